package connstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	addr4 = []byte{192, 0, 2, 1}
	gw4   = []byte{192, 0, 2, 254}
	addr6 = []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	gw6   = []byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
)

func reachIPv4(s *State, index int) {
	s.AddLink(index, false, true)
	s.AddAddress(index, IPv4, addr4)
	s.AddDefaultRoute(index, IPv4, gw4, 100)
}

func reachIPv6(s *State, index int) {
	s.AddLink(index, false, true)
	s.AddAddress(index, IPv6, addr6)
	s.AddDefaultRoute(index, IPv6, gw6, 1024)
}

func TestState_EmptyIsNone(t *testing.T) {
	s := New()
	assert.Equal(t, None, s.Connectivity())
}

func TestState_UpLinkAloneIsNone(t *testing.T) {
	s := New()
	s.AddLink(1, false, true)
	assert.Equal(t, None, s.Connectivity())
}

func TestState_IPv4Only(t *testing.T) {
	s := New()
	reachIPv4(s, 2)
	assert.Equal(t, IPv4Only, s.Connectivity())
}

func TestState_IPv6Only(t *testing.T) {
	s := New()
	reachIPv6(s, 2)
	assert.Equal(t, IPv6Only, s.Connectivity())
}

func TestState_BothAcrossDifferentInterfaces(t *testing.T) {
	s := New()
	reachIPv4(s, 2)
	reachIPv6(s, 3)
	assert.Equal(t, Both, s.Connectivity())
}

func TestState_DownInterfaceDoesNotReach(t *testing.T) {
	s := New()
	reachIPv4(s, 2)
	s.AddLink(2, false, false)
	assert.Equal(t, None, s.Connectivity())
}

func TestState_AddressWithoutGateway(t *testing.T) {
	s := New()
	s.AddLink(2, false, true)
	s.AddAddress(2, IPv4, addr4)
	assert.Equal(t, None, s.Connectivity())
}

func TestState_GatewayWithoutAddress(t *testing.T) {
	s := New()
	s.AddLink(2, false, true)
	s.AddDefaultRoute(2, IPv4, gw4, 100)
	assert.Equal(t, None, s.Connectivity())
}

func TestState_LoopbackNeverTracked(t *testing.T) {
	s := New()
	s.AddLink(1, true, true)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, None, s.Connectivity())

	// Removing a loopback link must also be a no-op, even when the
	// index collides with a tracked interface.
	reachIPv4(s, 1)
	s.RemoveLink(1, true)
	assert.Equal(t, IPv4Only, s.Connectivity())
}

func TestState_RemoveLinkDropsEverything(t *testing.T) {
	s := New()
	reachIPv4(s, 5)
	assert.Equal(t, IPv4Only, s.Connectivity())

	s.RemoveLink(5, false)
	assert.Equal(t, None, s.Connectivity())
	assert.Equal(t, 0, s.Len())

	// Stale removal after the link is gone: no error, state unchanged.
	s.RemoveAddress(5, IPv4, addr4)
	assert.Equal(t, None, s.Connectivity())
	assert.Equal(t, 0, s.Len())
}

func TestState_RemovalIdempotence(t *testing.T) {
	s := New()
	reachIPv4(s, 5)

	s.RemoveAddress(5, IPv4, addr4)
	s.RemoveAddress(5, IPv4, addr4)
	s.RemoveDefaultRoute(5, IPv4, gw4, 100)
	s.RemoveDefaultRoute(5, IPv4, gw4, 100)
	assert.Equal(t, None, s.Connectivity())

	// Removals for interfaces never seen are no-ops.
	s.RemoveAddress(99, IPv6, addr6)
	s.RemoveDefaultRoute(99, IPv6, gw6, 1024)
	assert.Equal(t, 1, s.Len())
}

func TestState_AddressesAreASetNotACount(t *testing.T) {
	s := New()
	reachIPv4(s, 2)
	s.AddAddress(2, IPv4, addr4)
	s.AddAddress(2, IPv4, addr4)

	// One removal of the key empties the set regardless of how many
	// times it was added.
	s.RemoveAddress(2, IPv4, addr4)
	assert.Equal(t, None, s.Connectivity())
}

func TestState_GatewayIdentityIncludesPriority(t *testing.T) {
	s := New()
	reachIPv4(s, 2)
	s.AddDefaultRoute(2, IPv4, gw4, 200)

	// Removing one priority leaves the other route in place.
	s.RemoveDefaultRoute(2, IPv4, gw4, 100)
	assert.Equal(t, IPv4Only, s.Connectivity())

	s.RemoveDefaultRoute(2, IPv4, gw4, 200)
	assert.Equal(t, None, s.Connectivity())
}

func TestState_ImplicitRecordIsDown(t *testing.T) {
	s := New()
	s.AddAddress(7, IPv4, addr4)
	s.AddDefaultRoute(7, IPv4, gw4, 100)
	assert.Equal(t, None, s.Connectivity())

	s.AddLink(7, false, true)
	assert.Equal(t, IPv4Only, s.Connectivity())
}

func TestState_OrderIndependence(t *testing.T) {
	// Two different operation orders reaching the same record set must
	// classify identically.
	a := New()
	a.AddLink(2, false, true)
	a.AddAddress(2, IPv4, addr4)
	a.AddDefaultRoute(2, IPv4, gw4, 100)
	a.AddAddress(3, IPv6, addr6)

	b := New()
	b.AddAddress(3, IPv6, addr6)
	b.AddDefaultRoute(2, IPv4, gw4, 100)
	b.AddAddress(2, IPv4, addr4)
	b.AddLink(2, false, true)

	assert.Equal(t, a.Connectivity(), b.Connectivity())
	assert.Equal(t, IPv4Only, a.Connectivity())
}

func TestState_Replace(t *testing.T) {
	s := New()
	reachIPv4(s, 2)

	next := New()
	reachIPv6(next, 9)
	s.Replace(next)

	assert.Equal(t, IPv6Only, s.Connectivity())
	assert.Equal(t, 1, s.Len())
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "ipv4", IPv4Only.String())
	assert.Equal(t, "ipv6", IPv6Only.String())
	assert.Equal(t, "all", Both.String())
}
