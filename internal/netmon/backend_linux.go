//go:build linux

package netmon

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/connmon/internal/connstate"
	"github.com/dmdmdm-nz/connmon/internal/runtime"
)

// The kernel notification groups covering link, per-family address and
// per-family route changes, all joined on a single socket.
var rtnlGroups = []uint{
	unix.RTNLGRP_LINK,
	unix.RTNLGRP_IPV4_IFADDR,
	unix.RTNLGRP_IPV6_IFADDR,
	unix.RTNLGRP_IPV4_ROUTE,
	unix.RTNLGRP_IPV6_ROUTE,
}

var errOverrun = errors.New("netlink reported an overrun")

type linuxBackend struct {
	sock *nl.NetlinkSocket
}

func newBackend() (backend, error) {
	return &linuxBackend{}, nil
}

// bootstrap joins the notification groups first and then takes the
// four snapshots: links, addresses, IPv4 default routes, IPv6 default
// routes. Changes that race the snapshot queue on the already-joined
// socket until run drains it, so nothing is lost in between.
func (b *linuxBackend) bootstrap(ctx context.Context, st *connstate.State) error {
	sock, err := nl.Subscribe(unix.NETLINK_ROUTE, rtnlGroups...)
	if err != nil {
		return fmt.Errorf("netlink subscribe: %w", err)
	}
	if err := snapshot(st); err != nil {
		sock.Close()
		return err
	}
	b.sock = sock
	return nil
}

func snapshot(st *connstate.State) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	for _, link := range links {
		attrs := link.Attrs()
		loopback := attrs.RawFlags&unix.IFF_LOOPBACK != 0
		up := attrs.RawFlags&unix.IFF_LOWER_UP != 0
		st.AddLink(attrs.Index, loopback, up)
	}

	addrs, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, addr := range addrs {
		if addr.Flags&unix.IFA_F_PERMANENT != 0 {
			continue
		}
		if v4 := addr.IP.To4(); v4 != nil {
			st.AddAddress(addr.LinkIndex, connstate.IPv4, v4)
		} else if v6 := addr.IP.To16(); v6 != nil {
			st.AddAddress(addr.LinkIndex, connstate.IPv6, v6)
		}
	}

	for _, family := range []struct {
		netlink int
		family  connstate.Family
	}{
		{netlink.FAMILY_V4, connstate.IPv4},
		{netlink.FAMILY_V6, connstate.IPv6},
	} {
		// A nil Dst under RT_FILTER_DST matches only routes with a
		// zero-length destination prefix, i.e. default routes.
		routes, err := netlink.RouteListFiltered(family.netlink, &netlink.Route{}, netlink.RT_FILTER_DST)
		if err != nil {
			return fmt.Errorf("list %s default routes: %w", family.family, err)
		}
		for _, route := range routes {
			if ev, ok := snapshotDefaultRoute(route, family.family); ok {
				ev.apply(st)
			}
		}
	}
	return nil
}

// snapshotDefaultRoute normalizes one dumped default route under the
// same rule the event path uses: interface, gateway and priority must
// all be present. The dump leaves Priority at zero when the kernel
// omits the attribute (metric-0 routes); such routes are skipped, as
// their later RTM_DELROUTE would be dropped too and the entry could
// never be removed.
func snapshotDefaultRoute(route netlink.Route, family connstate.Family) (routeUpdate, bool) {
	if route.Gw == nil || route.LinkIndex == 0 || route.Priority == 0 {
		return routeUpdate{}, false
	}
	gw := route.Gw.To4()
	if family == connstate.IPv6 || gw == nil {
		gw = route.Gw.To16()
	}
	return routeUpdate{
		index:    route.LinkIndex,
		family:   family,
		gateway:  gw,
		priority: uint32(route.Priority),
	}, true
}

// run receives raw rtnetlink messages from the socket bootstrap
// subscribed and feeds normalized events into sink until ctx is
// cancelled or the stream turns fatal.
func (b *linuxBackend) run(ctx context.Context, sink *runtime.SubQueue[event]) error {
	sock := b.sock
	if sock == nil {
		return errors.New("event pump started without a subscribed socket")
	}
	// Receive blocks in the kernel; closing the socket is the only way
	// to get the pump off it once interest is gone. The surrounding
	// group cancels ctx when the consumer stops or run returns early,
	// so this goroutine also covers the fatal-error path.
	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	for {
		msgs, _, err := sock.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("netlink receive: %w", err)
		}
		for _, m := range msgs {
			if err := classify(m, sink); err != nil {
				return err
			}
		}
	}
}

// classify turns one raw netlink message into at most one event.
// Protocol errors and overruns are fatal; messages that fail
// normalization are dropped silently.
func classify(m syscall.NetlinkMessage, sink *runtime.SubQueue[event]) error {
	switch m.Header.Type {
	case unix.NLMSG_ERROR:
		if len(m.Data) < 4 {
			return errors.New("truncated netlink error message")
		}
		errno := int32(nl.NativeEndian().Uint32(m.Data[0:4]))
		return fmt.Errorf("netlink error message: %w", syscall.Errno(-errno))
	case unix.NLMSG_OVERRUN:
		return errOverrun
	case unix.RTM_NEWLINK, unix.RTM_DELLINK:
		if ev, ok := parseLink(m); ok {
			sink.Enqueue(ev)
		}
	case unix.RTM_NEWADDR, unix.RTM_DELADDR:
		if ev, ok := parseAddr(m); ok {
			sink.Enqueue(ev)
		}
	case unix.RTM_NEWROUTE, unix.RTM_DELROUTE:
		if ev, ok := parseRoute(m); ok {
			sink.Enqueue(ev)
		}
	}
	return nil
}

func parseLink(m syscall.NetlinkMessage) (event, bool) {
	if len(m.Data) < unix.SizeofIfInfomsg {
		return nil, false
	}
	msg := nl.DeserializeIfInfomsg(m.Data)
	return linkUpdate{
		index:    int(msg.Index),
		loopback: msg.Flags&unix.IFF_LOOPBACK != 0,
		up:       msg.Flags&unix.IFF_LOWER_UP != 0,
		removed:  m.Header.Type == unix.RTM_DELLINK,
	}, true
}

// parseAddr yields a tuple only for addresses that carry an address
// attribute, have a known family and are not flagged permanent.
func parseAddr(m syscall.NetlinkMessage) (event, bool) {
	if len(m.Data) < unix.SizeofIfAddrmsg {
		return nil, false
	}
	msg := nl.DeserializeIfAddrmsg(m.Data)
	attrs, err := nl.ParseRouteAttr(m.Data[unix.SizeofIfAddrmsg:])
	if err != nil {
		return nil, false
	}

	flags := uint32(msg.Flags)
	var address []byte
	for _, attr := range attrs {
		switch attr.Attr.Type {
		case unix.IFA_FLAGS:
			if len(attr.Value) >= 4 {
				flags |= nl.NativeEndian().Uint32(attr.Value)
			}
		case unix.IFA_ADDRESS:
			address = attr.Value
		}
	}
	if flags&unix.IFA_F_PERMANENT != 0 || address == nil {
		return nil, false
	}
	family, ok := addressFamily(msg.Family)
	if !ok {
		return nil, false
	}
	return addrUpdate{
		index:   int(msg.Index),
		family:  family,
		address: address,
		removed: m.Header.Type == unix.RTM_DELADDR,
	}, true
}

// parseRoute yields a tuple only when the message carries an output
// interface, a gateway and a priority all at once. Default-ness is not
// re-verified here; the snapshot filter and the subscribed groups own
// that.
func parseRoute(m syscall.NetlinkMessage) (event, bool) {
	if len(m.Data) < unix.SizeofRtMsg {
		return nil, false
	}
	msg := nl.DeserializeRtMsg(m.Data)
	attrs, err := nl.ParseRouteAttr(m.Data[unix.SizeofRtMsg:])
	if err != nil {
		return nil, false
	}

	var (
		index    int
		gateway  []byte
		priority uint32
		haveOif  bool
		havePrio bool
	)
	for _, attr := range attrs {
		switch attr.Attr.Type {
		case unix.RTA_OIF:
			if len(attr.Value) >= 4 {
				index = int(int32(nl.NativeEndian().Uint32(attr.Value)))
				haveOif = true
			}
		case unix.RTA_GATEWAY:
			gateway = attr.Value
		case unix.RTA_PRIORITY:
			if len(attr.Value) >= 4 {
				priority = nl.NativeEndian().Uint32(attr.Value)
				havePrio = true
			}
		}
	}
	if !haveOif || gateway == nil || !havePrio {
		return nil, false
	}
	family, ok := addressFamily(msg.Family)
	if !ok {
		return nil, false
	}
	return routeUpdate{
		index:    index,
		family:   family,
		gateway:  gateway,
		priority: priority,
		removed:  m.Header.Type == unix.RTM_DELROUTE,
	}, true
}

func addressFamily(af uint8) (connstate.Family, bool) {
	switch af {
	case unix.AF_INET:
		return connstate.IPv4, true
	case unix.AF_INET6:
		return connstate.IPv6, true
	default:
		return 0, false
	}
}
