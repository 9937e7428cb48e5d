package connectparams

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ioplant/profinet-controller/pkg/iocr"
	"github.com/ioplant/profinet-controller/pkg/transport"
)

// DAP (Device Access Point) subslots and identifiers, fixed by IEC
// 61158-6-10: every PROFINET device carries these three submodules on
// slot 0 regardless of its application module configuration.
const (
	DAPSlot           byte   = 0
	IdentitySubslot   uint16 = 0x0001
	InterfaceSubslot  uint16 = 0x8000
	PortSubslot       uint16 = 0x8001

	dapIdentModuleIdent     uint32 = 0x00000001
	dapIdentSubmoduleIdent  uint32 = 0x00000001
	interfaceModuleIdent    uint32 = 0x00000001
	interfaceSubmoduleIdent uint32 = 0x00008000
	portModuleIdent         uint32 = 0x00000001
	portSubmoduleIdent      uint32 = 0x00008001
)

// ARProperties bit fields (spec.md §4.3): the controller always requests
// an active, legacy-startup, single (non-parameterization-type) AR.
const (
	arPropertyStateActive           uint32 = 0x00000001
	arPropertyParameterizationLegacy uint32 = 0x00000000
	arPropertyStartupModeLegacy     uint32 = 0x00000000
)

// activityTimeout is the fixed connect-request activity timeout, in
// units of 100ms (spec.md:101): a constant unrelated to a given AR's
// watchdog factor.
const activityTimeout uint16 = 100

func defaultARProperties() uint32 {
	return arPropertyStateActive | arPropertyParameterizationLegacy | arPropertyStartupModeLegacy
}

// dapSubmodules returns the three mandatory DAP entries every connect
// request carries, in the fixed order identity/interface/port.
func dapSubmodules() []transport.SubmoduleParam {
	return []transport.SubmoduleParam{
		{Slot: DAPSlot, Subslot: IdentitySubslot, ModuleIdent: dapIdentModuleIdent, SubmoduleIdent: dapIdentSubmoduleIdent, DataLength: 0, Direction: iocr.Input},
		{Slot: DAPSlot, Subslot: InterfaceSubslot, ModuleIdent: interfaceModuleIdent, SubmoduleIdent: interfaceSubmoduleIdent, DataLength: 0, Direction: iocr.Input},
		{Slot: DAPSlot, Subslot: PortSubslot, ModuleIdent: portModuleIdent, SubmoduleIdent: portSubmoduleIdent, DataLength: 0, Direction: iocr.Input},
	}
}

func commonParams(arUUID uuid.UUID, sessionKey uint16, stationName string, controllerMAC [6]byte, controllerUUID uuid.UUID, profile TimingProfile) transport.ConnectRequestParams {
	return transport.ConnectRequestParams{
		ARUUID:             arUUID,
		SessionKey:         sessionKey,
		ARType:             1,
		ARProperties:       defaultARProperties(),
		StationName:        stationName,
		ControllerMAC:      controllerMAC,
		ControllerUUID:     controllerUUID,
		ControllerPort:     0,
		ActivityTimeout:    activityTimeout,
		MaxAlarmDataLength: 200,
	}
}

func iocrParams(input, output *iocr.IOCR) []transport.ConnectIOCRParam {
	return []transport.ConnectIOCRParam{
		{Type: iocr.Input, Reference: 1, FrameID: input.FrameID, DataLength: input.DataLength},
		{Type: iocr.Output, Reference: 2, FrameID: output.FrameID, DataLength: output.DataLength},
	}
}

// BuildDAPOnly assembles the connect parameters for the discovery
// pipeline's Phase 2 probe connect (spec.md §4.4): the two IOCRs are
// floored at iocr.MinDataLength (40 bytes) with no application
// submodules, and the submodule list is exactly the three DAP entries.
func BuildDAPOnly(arUUID uuid.UUID, sessionKey uint16, stationName string, controllerMAC [6]byte, controllerUUID uuid.UUID, profile TimingProfile) transport.ConnectRequestParams {
	params := commonParams(arUUID, sessionKey, stationName, controllerMAC, controllerUUID, profile)
	params.IOCRs = []transport.ConnectIOCRParam{
		{Type: iocr.Input, Reference: 1, FrameID: 0, DataLength: iocr.MinDataLength},
		{Type: iocr.Output, Reference: 2, FrameID: 0, DataLength: iocr.MinDataLength},
	}
	params.Submodules = dapSubmodules()
	return params
}

// BuildFull assembles the connect parameters for the discovery
// pipeline's Phase 5 production connect (spec.md §4.4, §4.3): the
// submodule list is the three DAP entries followed by one entry per
// application slot, in slot order, and the two IOCRs are sized from the
// already-allocated input/output buffers.
func BuildFull(arUUID uuid.UUID, sessionKey uint16, stationName string, controllerMAC [6]byte, controllerUUID uuid.UUID, profile TimingProfile, slots []iocr.SlotInfo, input, output *iocr.IOCR, lookup ModuleIdentLookup) (transport.ConnectRequestParams, error) {
	params := commonParams(arUUID, sessionKey, stationName, controllerMAC, controllerUUID, profile)
	params.IOCRs = iocrParams(input, output)

	submodules := dapSubmodules()
	for _, slot := range slots {
		ident, ok := lookup.Lookup(slot.Kind, slot.Semantic)
		if !ok {
			return transport.ConnectRequestParams{}, fmt.Errorf("connectparams: no module ident for slot %d/%d semantic %v", slot.Slot, slot.Subslot, slot.Semantic)
		}
		dataLength := iocr.SensorPayloadSize
		direction := iocr.Input
		if slot.Kind == iocr.KindActuator {
			dataLength = iocr.ActuatorPayloadSize
			direction = iocr.Output
		}
		submodules = append(submodules, transport.SubmoduleParam{
			Slot:           slot.Slot,
			Subslot:        uint16(slot.Subslot),
			ModuleIdent:    ident.ModuleIdent,
			SubmoduleIdent: ident.SubmoduleIdent,
			DataLength:     dataLength,
			Direction:      direction,
		})
	}
	params.Submodules = submodules
	return params, nil
}
