package connectparams

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ioplant/profinet-controller/pkg/iocr"
)

func TestBuildDAPOnly(t *testing.T) {
	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ctrl := uuid.New()
	ar := uuid.New()
	params := BuildDAPOnly(ar, 1, "station-1", mac, ctrl, DefaultTimingProfile())

	if len(params.IOCRs) != 2 {
		t.Fatalf("expected 2 IOCRs, got %d", len(params.IOCRs))
	}
	for _, p := range params.IOCRs {
		if p.DataLength != iocr.MinDataLength {
			t.Errorf("IOCR %v data length = %d, want %d", p.Type, p.DataLength, iocr.MinDataLength)
		}
	}
	if len(params.Submodules) != 3 {
		t.Fatalf("expected exactly 3 DAP submodules, got %d", len(params.Submodules))
	}
	if params.Submodules[0].Subslot != IdentitySubslot ||
		params.Submodules[1].Subslot != InterfaceSubslot ||
		params.Submodules[2].Subslot != PortSubslot {
		t.Errorf("DAP submodules out of order: %+v", params.Submodules)
	}
}

func TestBuildFull(t *testing.T) {
	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ctrl := uuid.New()
	ar := uuid.New()

	slots := []iocr.SlotInfo{
		{Slot: 1, Subslot: 1, Kind: iocr.KindSensor, Semantic: iocr.SemanticPH},
		{Slot: 2, Subslot: 1, Kind: iocr.KindActuator, Semantic: iocr.SemanticPump},
	}
	input, output, err := iocr.Allocate(slots)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	input.FrameID = 0x8001
	output.FrameID = 0x8002

	params, err := BuildFull(ar, 1, "station-1", mac, ctrl, DefaultTimingProfile(), slots, input, output, DefaultModuleIdentLookup())
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}

	if len(params.Submodules) != 3+len(slots) {
		t.Fatalf("expected %d submodules, got %d", 3+len(slots), len(params.Submodules))
	}
	phEntry := params.Submodules[3]
	if phEntry.DataLength != iocr.SensorPayloadSize || phEntry.Direction != iocr.Input {
		t.Errorf("ph submodule wrong: %+v", phEntry)
	}
	pumpEntry := params.Submodules[4]
	if pumpEntry.DataLength != iocr.ActuatorPayloadSize || pumpEntry.Direction != iocr.Output {
		t.Errorf("pump submodule wrong: %+v", pumpEntry)
	}

	if params.IOCRs[0].FrameID != 0x8001 || params.IOCRs[1].FrameID != 0x8002 {
		t.Errorf("IOCR frame ids not carried through: %+v", params.IOCRs)
	}
}

func TestBuildFullUnknownSemanticFails(t *testing.T) {
	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ctrl := uuid.New()
	ar := uuid.New()

	lookup := staticLookupTable{sensors: map[iocr.Semantic]ModuleIdent{}, actuators: map[iocr.Semantic]ModuleIdent{}}
	slots := []iocr.SlotInfo{{Slot: 1, Subslot: 1, Kind: iocr.KindSensor, Semantic: iocr.SemanticPH}}
	input, output, err := iocr.Allocate(slots)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if _, err := BuildFull(ar, 1, "station-1", mac, ctrl, DefaultTimingProfile(), slots, input, output, lookup); err == nil {
		t.Fatal("expected error for unknown semantic, got nil")
	}
}
