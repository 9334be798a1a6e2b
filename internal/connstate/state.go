// Package connstate aggregates per-interface link, address and
// default-route facts and derives an internet connectivity level from
// them. It holds no history: the derivation is a pure function of the
// current record set, so two operation orderings that reach the same
// records always classify identically.
package connstate

// gatewayKey identifies a default route. Routes are distinguished by
// gateway bytes plus priority, not by the full originating message.
type gatewayKey struct {
	gateway  string
	priority uint32
}

// familyState holds the membership sets for one IP family on one
// interface. Address keys are the raw 4- or 16-byte address.
type familyState struct {
	addresses map[string]struct{}
	gateways  map[gatewayKey]struct{}
}

func newFamilyState() familyState {
	return familyState{
		addresses: make(map[string]struct{}),
		gateways:  make(map[gatewayKey]struct{}),
	}
}

// reaches reports whether this family is usable through an up interface.
func (fs *familyState) reaches(up bool) bool {
	return up && len(fs.addresses) > 0 && len(fs.gateways) > 0
}

type record struct {
	up   bool
	ipv4 familyState
	ipv6 familyState
}

func newRecord() *record {
	return &record{
		ipv4: newFamilyState(),
		ipv6: newFamilyState(),
	}
}

func (r *record) family(f Family) *familyState {
	if f == IPv4 {
		return &r.ipv4
	}
	return &r.ipv6
}

// State maps OS interface indices to their records. Indices are opaque
// and may be reused by the OS after an interface is removed. Loopback
// interfaces are never present. State is not synchronized; callers
// serialize access.
type State struct {
	interfaces map[int]*record
}

// New returns an empty state.
func New() *State {
	return &State{interfaces: make(map[int]*record)}
}

func (s *State) record(index int) *record {
	r, ok := s.interfaces[index]
	if !ok {
		r = newRecord()
		s.interfaces[index] = r
	}
	return r
}

// AddLink records an interface and its operational state. Loopback
// links are ignored. A link first seen through another event type
// exists as down until a link event says otherwise.
func (s *State) AddLink(index int, loopback, up bool) {
	if loopback {
		return
	}
	s.record(index).up = up
}

// RemoveLink drops an interface record along with all its addresses
// and gateways. Loopback links are ignored.
func (s *State) RemoveLink(index int, loopback bool) {
	if loopback {
		return
	}
	delete(s.interfaces, index)
}

// AddAddress records an address for an interface, implicitly creating
// a down record for an unseen index. The caller is expected to have
// filtered out malformed or not-yet-final addresses.
func (s *State) AddAddress(index int, f Family, address []byte) {
	s.record(index).family(f).addresses[string(address)] = struct{}{}
}

// RemoveAddress drops an address. Unknown interfaces or absent
// addresses are a no-op, never an error.
func (s *State) RemoveAddress(index int, f Family, address []byte) {
	if r, ok := s.interfaces[index]; ok {
		delete(r.family(f).addresses, string(address))
	}
}

// AddDefaultRoute records a default route for an interface, implicitly
// creating a down record for an unseen index.
func (s *State) AddDefaultRoute(index int, f Family, gateway []byte, priority uint32) {
	key := gatewayKey{gateway: string(gateway), priority: priority}
	s.record(index).family(f).gateways[key] = struct{}{}
}

// RemoveDefaultRoute drops a default route. Unknown interfaces or
// absent routes are a no-op, never an error.
func (s *State) RemoveDefaultRoute(index int, f Family, gateway []byte, priority uint32) {
	if r, ok := s.interfaces[index]; ok {
		delete(r.family(f).gateways, gatewayKey{gateway: string(gateway), priority: priority})
	}
}

// Replace swaps in a wholesale-rebuilt state. Used by backends that
// re-enumerate the full system tables on every change instead of
// applying increments.
func (s *State) Replace(next *State) {
	s.interfaces = next.interfaces
}

// Len returns the number of tracked interfaces.
func (s *State) Len() int {
	return len(s.interfaces)
}

// Connectivity derives the current level. An interface reaches a
// family iff it is up and has at least one address and one gateway for
// that family; the two families may be reached by different interfaces.
func (s *State) Connectivity() Level {
	var ipv4, ipv6 bool
	for _, r := range s.interfaces {
		if r.ipv4.reaches(r.up) {
			ipv4 = true
		}
		if r.ipv6.reaches(r.up) {
			ipv6 = true
		}
		if ipv4 && ipv6 {
			break
		}
	}
	switch {
	case ipv4 && ipv6:
		return Both
	case ipv4:
		return IPv4Only
	case ipv6:
		return IPv6Only
	default:
		return None
	}
}
