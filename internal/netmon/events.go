package netmon

import (
	"github.com/dmdmdm-nz/connmon/internal/connstate"
)

// event is one normalized state mutation delivered by a backend.
// Backends that observe increments emit link/address/route updates;
// backends that re-enumerate the world on every change emit rebuilds.
type event interface {
	apply(st *connstate.State)
}

type linkUpdate struct {
	index    int
	loopback bool
	up       bool
	removed  bool
}

func (e linkUpdate) apply(st *connstate.State) {
	if e.removed {
		st.RemoveLink(e.index, e.loopback)
		return
	}
	st.AddLink(e.index, e.loopback, e.up)
}

type addrUpdate struct {
	index   int
	family  connstate.Family
	address []byte
	removed bool
}

func (e addrUpdate) apply(st *connstate.State) {
	if e.removed {
		st.RemoveAddress(e.index, e.family, e.address)
		return
	}
	st.AddAddress(e.index, e.family, e.address)
}

type routeUpdate struct {
	index    int
	family   connstate.Family
	gateway  []byte
	priority uint32
	removed  bool
}

func (e routeUpdate) apply(st *connstate.State) {
	if e.removed {
		st.RemoveDefaultRoute(e.index, e.family, e.gateway, e.priority)
		return
	}
	st.AddDefaultRoute(e.index, e.family, e.gateway, e.priority)
}

// rebuild replaces the whole state with a freshly enumerated one.
type rebuild struct {
	next *connstate.State
}

func (e rebuild) apply(st *connstate.State) {
	st.Replace(e.next)
}
