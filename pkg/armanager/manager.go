// Package armanager implements the AR registry and lifecycle driver
// (spec.md §4.6): the fixed-capacity AR table keyed by station name and
// frame ID, the scheduler-facing tick operations, and the lazy RPC
// context. A single coarse mutex guards the table and every AR inside
// it, per spec.md §5 — there is no per-AR lock.
package armanager

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ioplant/profinet-controller/pkg/arstate"
	"github.com/ioplant/profinet-controller/pkg/connectparams"
	"github.com/ioplant/profinet-controller/pkg/frame"
	"github.com/ioplant/profinet-controller/pkg/identity"
	"github.com/ioplant/profinet-controller/pkg/iocr"
	"github.com/ioplant/profinet-controller/pkg/transport"
)

// MaxARs is the fixed capacity of the AR table (spec.md §3).
const MaxARs = 64

// RPCFactory binds a fresh RPCTransport to an interface and controller
// IP. Manager calls this lazily, the first time an RPC is actually
// needed (spec.md §4.6, §9: "mutable-shared resource rpc_ctx").
type RPCFactory func(ctx context.Context, interfaceName string, controllerIP net.IP) (transport.RPCTransport, error)

// ARConfig is the input to CreateAR.
type ARConfig struct {
	StationName string
	DeviceIP    net.IP
	WatchdogMS  int64
	Slots       []iocr.SlotInfo
}

// Manager owns every AR in the controller process (spec.md §3's
// "Manager" data model entry).
type Manager struct {
	mu sync.Mutex

	ars         []*arstate.AR
	sessionKeys identity.SessionKeyAllocator
	controller  identity.Controller

	controllerIPSet bool
	rpcFactory      RPCFactory
	rpc             transport.RPCTransport
	frameTx         transport.FrameTransmitter

	stateCB arstate.StateChangeCallback

	moduleIdents connectparams.ModuleIdentLookup
	profile      connectparams.TimingProfile

	frameErrors atomic.Uint64
}

// Init builds the controller identity and wires the manager's
// collaborators. It opens no sockets of its own; frameTx and rpcFactory
// are supplied by the caller (spec.md §4.6: "opens no sockets itself").
func Init(mac [6]byte, stationName string, vendorID, deviceID uint16, interfaceName string, frameTx transport.FrameTransmitter, rpcFactory RPCFactory) *Manager {
	return &Manager{
		ars:          make([]*arstate.AR, 0, MaxARs),
		controller:   identity.NewController(mac, stationName, interfaceName, vendorID, deviceID),
		rpcFactory:   rpcFactory,
		frameTx:      frameTx,
		moduleIdents: connectparams.DefaultModuleIdentLookup(),
		profile:      connectparams.DefaultTimingProfile(),
	}
}

// SetControllerIP sets the controller's IPv4 address. If the RPC
// context was already initialized under a different IP it is torn down
// so ensureRPCInitialized rebuilds it lazily on next use (spec.md
// §4.6).
func (m *Manager) SetControllerIP(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.controllerIPSet && !m.controller.IP.Equal(ip) {
		m.rpc = nil
	}
	m.controller.IP = ip
	m.controllerIPSet = true
}

// SetStateCallback registers the callback invoked on every AR state
// transition. It must not block and must not call back into the
// manager (spec.md §5). The callback's ctx argument is always the
// *arstate.AR that changed, so a subscriber can read its other fields
// without taking a lock of its own.
func (m *Manager) SetStateCallback(cb arstate.StateChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCB = cb
}

// ensureRPCInitialized lazily constructs the RPC context, binding to
// the configured interface and controller IP. Callers must hold m.mu.
func (m *Manager) ensureRPCInitialized(ctx context.Context) (transport.RPCTransport, error) {
	if m.rpc != nil {
		return m.rpc, nil
	}
	if !m.controllerIPSet {
		return nil, arstate.NewError(arstate.ErrNotInitialized, "ensure_rpc_initialized", fmt.Errorf("controller IP not set"))
	}
	rpc, err := m.rpcFactory(ctx, m.controller.InterfaceName, m.controller.IP)
	if err != nil {
		return nil, arstate.NewError(arstate.ErrNotInitialized, "ensure_rpc_initialized", err)
	}
	m.rpc = rpc
	return rpc, nil
}

func (m *Manager) find(stationName string) *arstate.AR {
	for _, ar := range m.ars {
		if ar.StationName == stationName {
			return ar
		}
	}
	return nil
}

func (m *Manager) contains(ar *arstate.AR) bool {
	for _, a := range m.ars {
		if a == ar {
			return true
		}
	}
	return false
}

// callWithUnlock performs fn while the manager lock is released, then
// reacquires it and reports whether ar still occupies a slot in the
// table by pointer identity. Callers must hold m.mu when calling this
// and will hold it again when it returns. This is the mandatory
// lock-drop-and-reacquire pattern of spec.md §5; runParameterEnd uses
// it, and advanceAbort performs the same steps inline around its retry
// Release.
func (m *Manager) callWithUnlock(ar *arstate.AR, fn func()) bool {
	m.mu.Unlock()
	fn()
	m.mu.Lock()
	return m.contains(ar)
}

// CreateAR allocates an AR and its IOCRs and inserts it under lock. It
// fails with ErrAlreadyExists on a station-name collision and
// ErrFull when the table is at MaxARs.
func (m *Manager) CreateAR(cfg ARConfig) (*arstate.AR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.find(cfg.StationName) != nil {
		return nil, arstate.NewError(arstate.ErrAlreadyExists, "create_ar", fmt.Errorf("station %q already exists", cfg.StationName))
	}
	if len(m.ars) >= MaxARs {
		return nil, arstate.NewError(arstate.ErrFull, "create_ar", fmt.Errorf("AR table at capacity (%d)", MaxARs))
	}

	ar := arstate.New(cfg.StationName, cfg.WatchdogMS, cfg.Slots)
	ar.DeviceIP = cfg.DeviceIP

	input, output, err := iocr.Allocate(cfg.Slots)
	if err != nil {
		return nil, arstate.NewError(arstate.ErrNoMemory, "create_ar", err)
	}
	ar.Input = input
	ar.Output = output

	m.ars = append(m.ars, ar)
	return ar, nil
}

// DeleteAR frees an AR's IOCRs and removes it from the table, shifting
// later entries down by one index.
func (m *Manager) DeleteAR(stationName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ar := range m.ars {
		if ar.StationName != stationName {
			continue
		}
		iocr.Free(ar.Input)
		iocr.Free(ar.Output)
		m.ars = append(m.ars[:i], m.ars[i+1:]...)
		return nil
	}
	return arstate.NewError(arstate.ErrNotFound, "delete_ar", fmt.Errorf("station %q not found", stationName))
}

// GetAR looks up an AR by station name.
func (m *Manager) GetAR(stationName string) (*arstate.AR, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar := m.find(stationName)
	return ar, ar != nil
}

// GetARByFrameID looks up the AR owning an IOCR with the given frame
// ID, searching both INPUT and OUTPUT IOCRs of every AR (spec.md §4.6:
// "the routing table is implicit").
func (m *Manager) GetARByFrameID(frameID uint16) (*arstate.AR, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ar := range m.ars {
		if ar.Input != nil && ar.Input.FrameID == frameID {
			return ar, true
		}
		if ar.Output != nil && ar.Output.FrameID == frameID {
			return ar, true
		}
	}
	return nil, false
}

// Controller returns a copy of the controller's identity.
func (m *Manager) Controller() identity.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller
}

// AllocateSessionKey proposes the next session key for a connect
// attempt. The device's returned value, if different, always wins
// (spec.md §4.7).
func (m *Manager) AllocateSessionKey() uint16 {
	return m.sessionKeys.Next()
}

// HandleRTFrame demultiplexes an inbound RT frame by frame ID and
// copies its C-SDU into the owning AR's INPUT IOCR (spec.md §4.2,
// §4.6). Unknown frame IDs are ignored; oversized or undersized frames
// are discarded.
func (m *Manager) HandleRTFrame(buf []byte) {
	frameID, err := frame.PeekFrameID(buf)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ar, ok := m.findByInputFrameID(frameID)
	if !ok {
		return
	}

	decoded, err := frame.DecodeFor(buf, ar.Input.DataLength)
	if err != nil {
		return
	}
	if err := frame.CopyInto(ar.Input, decoded); err != nil {
		return
	}
	ar.Input.LastFrameTime = time.Now().UnixMicro()
	ar.OnRTFrame(nowMS())
}

func (m *Manager) findByInputFrameID(frameID uint16) (*arstate.AR, bool) {
	for _, ar := range m.ars {
		if ar.Input != nil && ar.Input.FrameID == frameID {
			return ar, true
		}
	}
	return nil, false
}

// SendOutputData encodes and transmits the AR's OUTPUT cyclic frame. The
// diagnostic CRC-16/ARC checksum EncodeCyclic returns is logged as an
// X-CRC field per spec.md §4.2; it is never placed on the wire. Any
// encode or transmit failure increments the frame_errors counter
// FrameErrors reports.
func (m *Manager) SendOutputData(ar *arstate.AR) error {
	m.mu.Lock()
	running := ar.State == arstate.Run
	stationName := ar.StationName
	buf, checksum, err := frame.EncodeCyclic(ar.DeviceMAC, m.controller.MAC, ar.Output, running)
	txFn := m.frameTx
	m.mu.Unlock()

	if err != nil {
		m.frameErrors.Add(1)
		return err
	}
	log.Printf("armanager: send_output_data station=%q X-CRC=%04x", stationName, checksum)
	if txFn == nil {
		m.frameErrors.Add(1)
		return arstate.NewError(arstate.ErrNotInitialized, "send_output_data", fmt.Errorf("no frame transmitter configured"))
	}
	if err := txFn.TransmitFrame(ar.DeviceMAC, buf); err != nil {
		m.frameErrors.Add(1)
		return arstate.NewError(arstate.ErrIO, "send_output_data", err)
	}
	return nil
}

// FrameErrors returns the cumulative count of SendOutputData encode or
// transmit failures, the frame_errors metric spec.md §4.2 names.
func (m *Manager) FrameErrors() uint64 {
	return m.frameErrors.Load()
}

// AcceptApplicationReady is the manager-level entry point for an
// inbound ApplicationReady RPC: it routes by (session_key, ar_uuid),
// drives READY -> RUN, and returns whether the request was accepted so
// the caller can send the matching RPC response (spec.md §4.5, §4.6).
func (m *Manager) AcceptApplicationReady(req transport.ApplicationReadyRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ar := range m.ars {
		if ar.ARUUID != req.ARUUID {
			continue
		}
		return ar.AcceptApplicationReady(nowMS(), req.SessionKey, req.ARUUID, m.stateCB, ar)
	}
	return false
}

// CheckHealth runs the per-AR watchdog evaluation (spec.md §4.6).
func (m *Manager) CheckHealth() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowMS()
	for _, ar := range m.ars {
		if ar.IsConnecting() {
			continue
		}
		ar.CheckWatchdog(now, m.stateCB, ar)
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// TryBeginConnecting acquires the per-AR connecting flag, giving the
// caller exclusive rights to drive the AR's state machine (spec.md §5).
// It returns false if the AR doesn't exist or a connect is already in
// flight.
func (m *Manager) TryBeginConnecting(stationName string) (*arstate.AR, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar := m.find(stationName)
	if ar == nil || !ar.TryBeginConnecting() {
		return nil, false
	}
	return ar, true
}

// EndConnecting releases the connecting flag acquired by
// TryBeginConnecting.
func (m *Manager) EndConnecting(ar *arstate.AR) {
	ar.EndConnecting()
}

// WithAR runs fn with the manager lock held, passing the AR (if it
// still occupies a slot in the table) and the manager's registered
// state-change callback. External drivers that mutate an AR's state
// outside of Process (the discovery pipeline) use this so every
// mutation — and the state-change callback it triggers — runs under
// the manager lock and reaches the same subscriber Process's own
// transitions do.
func (m *Manager) WithAR(stationName string, fn func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar := m.find(stationName)
	fn(ar, ar != nil, m.stateCB)
}

// Validate reports whether ar still occupies a slot in the table, by
// pointer identity. Used after a blocking call performed without the
// lock, per spec.md §5's lock-drop-and-reacquire pattern.
func (m *Manager) Validate(ar *arstate.AR) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contains(ar)
}

// RPC returns the lazily-initialized RPC transport.
func (m *Manager) RPC(ctx context.Context) (transport.RPCTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureRPCInitialized(ctx)
}

// SetSendClockFactor overrides the send clock factor of the manager's
// timing profile (returned by TimingProfile); the reduction ratio and
// watchdog factor stay at their conservative defaults. The connect
// parameter builders do not encode the timing profile, so the value does
// not appear in connect requests.
func (m *Manager) SetSendClockFactor(factor uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile.SendClockFactor = factor
}

// ModuleIdentLookup returns the configured GSDML module-ident lookup.
func (m *Manager) ModuleIdentLookup() connectparams.ModuleIdentLookup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moduleIdents
}

// TimingProfile returns the configured timing profile.
func (m *Manager) TimingProfile() connectparams.TimingProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// ReplaceSlots frees an AR's existing IOCRs and replaces them with ones
// allocated from a newly discovered slot list (spec.md §4.4 Phase 4:
// "recompute IOCR data_length to match actual I/O totals").
func (m *Manager) ReplaceSlots(stationName string, slots []iocr.SlotInfo) (*arstate.AR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ar := m.find(stationName)
	if ar == nil {
		return nil, arstate.NewError(arstate.ErrNotFound, "replace_slots", fmt.Errorf("station %q not found", stationName))
	}
	input, output, err := iocr.Allocate(slots)
	if err != nil {
		return nil, arstate.NewError(arstate.ErrNoMemory, "replace_slots", err)
	}
	iocr.Free(ar.Input)
	iocr.Free(ar.Output)
	ar.Slots = slots
	ar.Input = input
	ar.Output = output
	return ar, nil
}

// Release drives a RUN-state AR to CLOSE at user request: it issues a
// best-effort Release RPC before the unconditional transition (spec.md
// §4.5 "RUN -> CLOSE").
func (m *Manager) Release(ctx context.Context, stationName string) error {
	ar, ok := m.GetAR(stationName)
	if !ok {
		return arstate.NewError(arstate.ErrNotFound, "release", fmt.Errorf("station %q not found", stationName))
	}

	rpc, err := m.RPC(ctx)
	if err == nil {
		if relErr := rpc.Release(ctx, ar.DeviceIP, ar.ARUUID, ar.SessionKey); relErr != nil {
			log.Printf("armanager: best-effort release for %q: %v", stationName, relErr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.contains(ar) {
		return nil
	}
	ar.Release(nowMS(), m.stateCB, ar)
	return nil
}
