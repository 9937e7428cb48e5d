package connectparams

import (
	"testing"

	"github.com/ioplant/profinet-controller/pkg/iocr"
)

func TestDefaultModuleIdentLookupRoundTrips(t *testing.T) {
	lookup := DefaultModuleIdentLookup()

	ident, ok := lookup.Lookup(iocr.KindSensor, iocr.SemanticPH)
	if !ok {
		t.Fatal("expected a ph sensor module ident")
	}

	kind, semantic, ok := lookup.ReverseLookup(ident.ModuleIdent)
	if !ok {
		t.Fatal("ReverseLookup must resolve a module_ident returned by Lookup")
	}
	if kind != iocr.KindSensor || semantic != iocr.SemanticPH {
		t.Errorf("ReverseLookup = (%v, %v), want (KindSensor, SemanticPH)", kind, semantic)
	}
}

func TestDefaultModuleIdentLookupUnknownSemanticMisses(t *testing.T) {
	lookup := DefaultModuleIdentLookup()
	if _, ok := lookup.Lookup(iocr.KindSensor, iocr.Semantic(0xFF)); ok {
		t.Fatal("an unregistered semantic must not resolve")
	}
}

func TestDefaultModuleIdentLookupUnknownModuleIdentMisses(t *testing.T) {
	lookup := DefaultModuleIdentLookup()
	if _, _, ok := lookup.ReverseLookup(0xDEADBEEF); ok {
		t.Fatal("an unregistered module_ident must not resolve")
	}
}

func TestSensorAndActuatorIdentsDoNotCollide(t *testing.T) {
	lookup := DefaultModuleIdentLookup()
	pump, ok := lookup.Lookup(iocr.KindActuator, iocr.SemanticPump)
	if !ok {
		t.Fatal("expected a pump actuator module ident")
	}
	kind, semantic, ok := lookup.ReverseLookup(pump.ModuleIdent)
	if !ok || kind != iocr.KindActuator || semantic != iocr.SemanticPump {
		t.Errorf("ReverseLookup(pump) = (%v, %v, %v), want (KindActuator, SemanticPump, true)", kind, semantic, ok)
	}
}
