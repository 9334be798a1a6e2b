//go:build windows

package netmon

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime/cgo"
	"sync"
	"syscall"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/dmdmdm-nz/connmon/internal/connstate"
	"github.com/dmdmdm-nz/connmon/internal/runtime"
)

// MIB_NOTIFICATION_TYPE values delivered to the change callback.
const (
	mibParameterNotification = 0
	mibAddInstance           = 1
	mibDeleteInstance        = 2
	mibInitialNotification   = 3
)

const (
	ifTypeSoftwareLoopback = 24
	ifOperStatusUp         = 1

	// ValidLifetime sentinel meaning "infinite".
	lifetimeInfinite = 0xffffffff
)

var (
	modiphlpapi = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetIfTable2              = modiphlpapi.NewProc("GetIfTable2")
	procGetUnicastIpAddressTable = modiphlpapi.NewProc("GetUnicastIpAddressTable")
	procGetIpForwardTable2       = modiphlpapi.NewProc("GetIpForwardTable2")
	procFreeMibTable             = modiphlpapi.NewProc("FreeMibTable")
	procNotifyIpInterfaceChange  = modiphlpapi.NewProc("NotifyIpInterfaceChange")
	procCancelMibChangeNotify2   = modiphlpapi.NewProc("CancelMibChangeNotify2")
)

// winBackend shares its sink and liveness flag with an OS callback
// firing on an arbitrary thread. One mutex covers the whole
// rescan-and-enqueue critical section and the cancellation handshake.
type winBackend struct {
	mu     sync.Mutex
	sink   *runtime.SubQueue[event]
	closed bool
}

func newBackend() (backend, error) {
	return &winBackend{}, nil
}

func (b *winBackend) bootstrap(ctx context.Context, st *connstate.State) error {
	next, err := readSystemState()
	if err != nil {
		return err
	}
	st.Replace(next)
	return nil
}

// interfaceChangeCallback is the single callback registered with
// NotifyIpInterfaceChange. The caller context is a pinned cgo handle
// to the backend; its lifetime is bounded by the register/cancel pair
// in run. Untracked notification reasons are ignored.
var interfaceChangeCallback = sync.OnceValue(func() uintptr {
	return windows.NewCallback(func(callerContext, row, notificationType uintptr) uintptr {
		switch notificationType {
		case mibParameterNotification, mibAddInstance, mibDeleteInstance, mibInitialNotification:
			cgo.Handle(callerContext).Value().(*winBackend).rescan()
		}
		return 0
	})
})

func (b *winBackend) run(ctx context.Context, sink *runtime.SubQueue[event]) error {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()

	handle := cgo.NewHandle(b)
	defer handle.Delete()

	var notification windows.Handle
	r, _, _ := procNotifyIpInterfaceChange.Call(
		uintptr(windows.AF_UNSPEC),
		interfaceChangeCallback(),
		uintptr(handle),
		0, // no synthetic initial notification, the snapshot is already taken
		uintptr(unsafe.Pointer(&notification)),
	)
	if r != 0 {
		return fmt.Errorf("notify ip interface change: %w", syscall.Errno(r))
	}

	<-ctx.Done()

	// Mark closed under the lock first so a concurrently firing
	// callback becomes a no-op, then cancel; cancellation blocks until
	// in-flight callbacks have returned.
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if r, _, _ := procCancelMibChangeNotify2.Call(uintptr(notification)); r != 0 {
		return fmt.Errorf("cancel change notification: %w", syscall.Errno(r))
	}
	return nil
}

// rescan re-enumerates the three system tables and hands the rebuilt
// state to the engine wholesale. This is full-replace-on-change: the
// tables are consistent at read time, so no increment tracking is
// needed. Rescan failures are logged, never fatal.
func (b *winBackend) rescan() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.sink == nil {
		return
	}
	next, err := readSystemState()
	if err != nil {
		log.WithError(err).Warn("Rebuilding interface state failed")
		return
	}
	b.sink.Enqueue(rebuild{next: next})
}

func readSystemState() (*connstate.State, error) {
	st := connstate.New()
	if err := readInterfaceTable(st); err != nil {
		return nil, fmt.Errorf("interface table: %w", err)
	}
	if err := readAddressTable(st); err != nil {
		return nil, fmt.Errorf("address table: %w", err)
	}
	if err := readForwardTable(st); err != nil {
		return nil, fmt.Errorf("forward table: %w", err)
	}
	return st, nil
}

// readInterfaceTable records every hardware interface. Software
// loopback interfaces pass through flagged so the state drops them.
func readInterfaceTable(st *connstate.State) error {
	var table *mibIfTable2
	r, _, _ := procGetIfTable2.Call(uintptr(unsafe.Pointer(&table)))
	if r != 0 {
		return syscall.Errno(r)
	}
	defer procFreeMibTable.Call(uintptr(unsafe.Pointer(table)))

	rows := unsafe.Slice(&table.Table[0], table.NumEntries)
	for i := range rows {
		row := &rows[i]
		if row.InterfaceAndOperStatusFlags&0x01 == 0 {
			// Not a hardware interface.
			continue
		}
		st.AddLink(
			int(row.InterfaceIndex),
			row.Type == ifTypeSoftwareLoopback,
			row.OperStatus == ifOperStatusUp,
		)
	}
	return nil
}

// readAddressTable records unicast addresses with a decodable family,
// excluding entries whose valid lifetime is the infinite sentinel.
func readAddressTable(st *connstate.State) error {
	var table *mibUnicastIPAddressTable
	r, _, _ := procGetUnicastIpAddressTable.Call(
		uintptr(windows.AF_UNSPEC),
		uintptr(unsafe.Pointer(&table)),
	)
	if r != 0 {
		return syscall.Errno(r)
	}
	defer procFreeMibTable.Call(uintptr(unsafe.Pointer(table)))

	rows := unsafe.Slice(&table.Table[0], table.NumEntries)
	for i := range rows {
		row := &rows[i]
		address, family, ok := row.Address.addr()
		if !ok || row.ValidLifetime == lifetimeInfinite {
			continue
		}
		st.AddAddress(int(row.InterfaceIndex), family, address)
	}
	return nil
}

// readForwardTable records default routes: zero destination prefix
// length and an all-zero stored prefix past the leading family byte.
func readForwardTable(st *connstate.State) error {
	var table *mibIPForwardTable2
	r, _, _ := procGetIpForwardTable2.Call(
		uintptr(windows.AF_UNSPEC),
		uintptr(unsafe.Pointer(&table)),
	)
	if r != 0 {
		return syscall.Errno(r)
	}
	defer procFreeMibTable.Call(uintptr(unsafe.Pointer(table)))

	rows := unsafe.Slice(&table.Table[0], table.NumEntries)
	for i := range rows {
		row := &rows[i]
		if !isDefaultDestination(&row.DestinationPrefix) {
			continue
		}
		gateway, family, ok := row.NextHop.addr()
		if !ok {
			continue
		}
		st.AddDefaultRoute(int(row.InterfaceIndex), family, gateway, row.Metric)
	}
	return nil
}

// isDefaultDestination checks both the prefix length and the stored
// prefix bytes: everything past the leading family byte must be zero,
// guarding against stale prefix bytes accompanying a zero length.
func isDefaultDestination(p *ipAddressPrefix) bool {
	if p.PrefixLength != 0 {
		return false
	}
	for _, b := range p.Prefix.raw[1:] {
		if b != 0 {
			return false
		}
	}
	return true
}

// sockaddrInet mirrors SOCKADDR_INET: a 2-byte address family followed
// by the rest of the sockaddr_in / sockaddr_in6 union.
type sockaddrInet struct {
	raw [28]byte
}

func (sa *sockaddrInet) family() uint16 {
	return binary.LittleEndian.Uint16(sa.raw[0:2])
}

// addr returns a copy of the raw address bytes and the family, if the
// family is one we track.
func (sa *sockaddrInet) addr() ([]byte, connstate.Family, bool) {
	switch sa.family() {
	case uint16(windows.AF_INET):
		out := make([]byte, 4)
		copy(out, sa.raw[4:8])
		return out, connstate.IPv4, true
	case uint16(windows.AF_INET6):
		out := make([]byte, 16)
		copy(out, sa.raw[8:24])
		return out, connstate.IPv6, true
	default:
		return nil, 0, false
	}
}

// ipAddressPrefix mirrors IP_ADDRESS_PREFIX.
type ipAddressPrefix struct {
	Prefix       sockaddrInet
	PrefixLength uint8
	_            [3]byte
}

// mibIfRow2 mirrors MIB_IF_ROW2 (iphlpapi); layout asserted in tests.
type mibIfRow2 struct {
	InterfaceLuid               uint64
	InterfaceIndex              uint32
	InterfaceGuid               windows.GUID
	Alias                       [257]uint16
	Description                 [257]uint16
	PhysicalAddressLength       uint32
	PhysicalAddress             [32]byte
	PermanentPhysicalAddress    [32]byte
	Mtu                         uint32
	Type                        uint32
	TunnelType                  uint32
	MediaType                   uint32
	PhysicalMediumType          uint32
	AccessType                  uint32
	DirectionType               uint32
	InterfaceAndOperStatusFlags uint8
	_                           [3]byte
	OperStatus                  uint32
	AdminStatus                 uint32
	MediaConnectState           uint32
	NetworkGuid                 windows.GUID
	ConnectionType              uint32
	_                           [4]byte
	TransmitLinkSpeed           uint64
	ReceiveLinkSpeed            uint64
	InOctets                    uint64
	InUcastPkts                 uint64
	InNUcastPkts                uint64
	InDiscards                  uint64
	InErrors                    uint64
	InUnknownProtos             uint64
	InUcastOctets               uint64
	InMulticastOctets           uint64
	InBroadcastOctets           uint64
	OutOctets                   uint64
	OutUcastPkts                uint64
	OutNUcastPkts               uint64
	OutDiscards                 uint64
	OutErrors                   uint64
	OutUcastOctets              uint64
	OutMulticastOctets          uint64
	OutBroadcastOctets          uint64
	OutQLen                     uint64
}

type mibIfTable2 struct {
	NumEntries uint32
	_          [4]byte
	Table      [1]mibIfRow2
}

// mibUnicastIPAddressRow mirrors MIB_UNICASTIPADDRESS_ROW.
type mibUnicastIPAddressRow struct {
	Address            sockaddrInet
	_                  [4]byte
	InterfaceLuid      uint64
	InterfaceIndex     uint32
	PrefixOrigin       int32
	SuffixOrigin       int32
	ValidLifetime      uint32
	PreferredLifetime  uint32
	OnLinkPrefixLength uint8
	SkipAsSource       uint8
	_                  [2]byte
	DadState           int32
	ScopeId            uint32
	CreationTimeStamp  int64
}

type mibUnicastIPAddressTable struct {
	NumEntries uint32
	_          [4]byte
	Table      [1]mibUnicastIPAddressRow
}

// mibIPForwardRow2 mirrors MIB_IPFORWARD_ROW2.
type mibIPForwardRow2 struct {
	InterfaceLuid        uint64
	InterfaceIndex       uint32
	DestinationPrefix    ipAddressPrefix
	NextHop              sockaddrInet
	SitePrefixLength     uint8
	_                    [3]byte
	ValidLifetime        uint32
	PreferredLifetime    uint32
	Metric               uint32
	Protocol             uint32
	Loopback             uint8
	AutoconfigureAddress uint8
	Publish              uint8
	Immortal             uint8
	Age                  uint32
	Origin               uint32
}

type mibIPForwardTable2 struct {
	NumEntries uint32
	_          [4]byte
	Table      [1]mibIPForwardRow2
}
