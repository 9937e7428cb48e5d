// Package transport declares the narrow interfaces the core depends on
// for everything spec.md §1 treats as an external collaborator: the
// acyclic RPC transport, the raw L2 frame transmitter, and the HTTP
// discovery fallback. Production adapters (package internal/l2xmit, or
// a real DCE/RPC client) implement these; tests use fakes.
package transport

import (
	"context"
	"net"

	"github.com/google/uuid"

	"github.com/ioplant/profinet-controller/pkg/iocr"
)

// ConnectIOCRParam describes one IOCR entry inside a connect request, as
// built by package connectparams.
type ConnectIOCRParam struct {
	Type       iocr.Type
	Reference  uint16
	FrameID    uint16
	DataLength int
}

// SubmoduleParam describes one expected submodule inside a connect
// request.
type SubmoduleParam struct {
	Slot            byte
	Subslot         uint16
	ModuleIdent     uint32
	SubmoduleIdent  uint32
	DataLength      int
	Direction       iocr.Type
}

// ConnectRequestParams is the value package connectparams builds and
// package transport.RPCTransport.Connect consumes (spec.md §4.3).
type ConnectRequestParams struct {
	ARUUID             uuid.UUID
	SessionKey         uint16
	ARType             int
	ARProperties       uint32
	StationName        string
	ControllerMAC      [6]byte
	ControllerUUID     uuid.UUID
	ControllerPort     uint16
	ActivityTimeout    uint16
	IOCRs              []ConnectIOCRParam
	Submodules         []SubmoduleParam
	MaxAlarmDataLength uint16
}

// ConnectResponse is what the device hands back. Frame IDs are indexed
// the same way as ConnectRequestParams.IOCRs; the device may reassign
// any of them.
type ConnectResponse struct {
	Success      bool
	DeviceMAC    [6]byte
	SessionKey   uint16
	FrameIDs     []uint16
	HasDiff      bool
	ErrorMessage string
}

// ReadRecordParams selects one acyclic record-read, e.g. index 0xF844
// (RealIdentificationData) on slot 0 / subslot 0x0001.
type ReadRecordParams struct {
	ARUUID  uuid.UUID
	Slot    byte
	Subslot uint16
	Index   uint32
}

// DiscoveredModule is one entry of a device's module inventory, whether
// obtained via Record Read or the HTTP /slots fallback.
type DiscoveredModule struct {
	Slot           byte
	Subslot        uint16
	ModuleIdent    uint32
	SubmoduleIdent uint32
}

// ReadRecordResponse carries the module inventory from a Record Read.
type ReadRecordResponse struct {
	Success bool
	Modules []DiscoveredModule
}

// ApplicationReadyRequest is an inbound acyclic RPC the device sends once
// its own parameterization is complete.
type ApplicationReadyRequest struct {
	ARUUID        uuid.UUID
	SessionKey    uint16
	ControlCmd    uint16
	SourceIP      net.IP
	SourcePort    uint16
}

// RPCTransport is the acyclic DCE/RPC-over-UDP collaborator (spec.md §6).
type RPCTransport interface {
	Connect(ctx context.Context, deviceIP net.IP, params ConnectRequestParams) (ConnectResponse, error)
	ParameterEnd(ctx context.Context, deviceIP net.IP, arUUID uuid.UUID, sessionKey uint16) error
	ReadRecord(ctx context.Context, deviceIP net.IP, params ReadRecordParams) (ReadRecordResponse, error)
	Release(ctx context.Context, deviceIP net.IP, arUUID uuid.UUID, sessionKey uint16) error
	PollApplicationReady(ctx context.Context) (ApplicationReadyRequest, bool, error)
	SendApplicationReadyResponse(ctx context.Context, req ApplicationReadyRequest, ok bool) error
}

// FrameTransmitter is the raw L2 socket collaborator: the core hands it
// an encoded byte buffer and a destination MAC (spec.md §1, §5).
type FrameTransmitter interface {
	TransmitFrame(dstMAC [6]byte, payload []byte) error
}

// HTTPDiscoverer is the device's HTTP fallback surface on port 9081
// (spec.md §4.4 Phase 6, §6).
type HTTPDiscoverer interface {
	FetchSlots(ctx context.Context, deviceIP net.IP) ([]DiscoveredModule, error)
	FetchGSDML(ctx context.Context, deviceIP net.IP) ([]byte, error)
}

// GSDMLCache is the opaque cache collaborator from spec.md §4.4 Phase 1
// and Phase 5+.
type GSDMLCache interface {
	Lookup(stationName string) ([]DiscoveredModule, bool)
	Store(stationName string, xmlBody []byte) error
}
