package connectparams

import "github.com/ioplant/profinet-controller/pkg/iocr"

// ModuleIdent is the (module_ident, submodule_ident) pair a device
// expects for a given application semantic (spec.md §3, §6: "GSDML
// module identifier lookup by semantic type").
type ModuleIdent struct {
	ModuleIdent    uint32
	SubmoduleIdent uint32
}

// ModuleIdentLookup is the collaborator interface: a real deployment
// backs this with a parsed GSDML file, but the core only needs the
// narrow (semantic -> idents) mapping, plus its inverse for classifying
// a module discovered via Record Read or the HTTP fallback.
type ModuleIdentLookup interface {
	Lookup(kind iocr.SlotKind, semantic iocr.Semantic) (ModuleIdent, bool)
	ReverseLookup(moduleIdent uint32) (iocr.SlotKind, iocr.Semantic, bool)
}

// staticLookupTable is the default ModuleIdentLookup: a fixed table
// covering the closed semantic enumeration from spec.md §3. Real
// deployments with vendor-specific idents should supply their own
// ModuleIdentLookup built from the GSDML cache instead.
type staticLookupTable struct {
	sensors   map[iocr.Semantic]ModuleIdent
	actuators map[iocr.Semantic]ModuleIdent
	reverse   map[uint32]reverseEntry
}

type reverseEntry struct {
	kind     iocr.SlotKind
	semantic iocr.Semantic
}

// DefaultModuleIdentLookup returns the built-in static table.
func DefaultModuleIdentLookup() ModuleIdentLookup {
	t := staticLookupTable{
		sensors: map[iocr.Semantic]ModuleIdent{
			iocr.SemanticPH:          {ModuleIdent: 0x00000010, SubmoduleIdent: 0x00000010},
			iocr.SemanticTDS:         {ModuleIdent: 0x00000011, SubmoduleIdent: 0x00000011},
			iocr.SemanticTurbidity:   {ModuleIdent: 0x00000012, SubmoduleIdent: 0x00000012},
			iocr.SemanticTemperature: {ModuleIdent: 0x00000013, SubmoduleIdent: 0x00000013},
			iocr.SemanticFlow:        {ModuleIdent: 0x00000014, SubmoduleIdent: 0x00000014},
			iocr.SemanticLevel:       {ModuleIdent: 0x00000015, SubmoduleIdent: 0x00000015},
			iocr.SemanticCustom:      {ModuleIdent: 0x0000001F, SubmoduleIdent: 0x0000001F},
		},
		actuators: map[iocr.Semantic]ModuleIdent{
			iocr.SemanticPump:   {ModuleIdent: 0x00000020, SubmoduleIdent: 0x00000020},
			iocr.SemanticValve:  {ModuleIdent: 0x00000021, SubmoduleIdent: 0x00000021},
			iocr.SemanticRelay:  {ModuleIdent: 0x00000022, SubmoduleIdent: 0x00000022},
			iocr.SemanticCustom: {ModuleIdent: 0x0000002F, SubmoduleIdent: 0x0000002F},
		},
	}
	t.reverse = make(map[uint32]reverseEntry, len(t.sensors)+len(t.actuators))
	for semantic, ident := range t.sensors {
		t.reverse[ident.ModuleIdent] = reverseEntry{kind: iocr.KindSensor, semantic: semantic}
	}
	for semantic, ident := range t.actuators {
		t.reverse[ident.ModuleIdent] = reverseEntry{kind: iocr.KindActuator, semantic: semantic}
	}
	return t
}

func (t staticLookupTable) Lookup(kind iocr.SlotKind, semantic iocr.Semantic) (ModuleIdent, bool) {
	var table map[iocr.Semantic]ModuleIdent
	if kind == iocr.KindSensor {
		table = t.sensors
	} else {
		table = t.actuators
	}
	ident, ok := table[semantic]
	return ident, ok
}

// ReverseLookup classifies a module_ident discovered on the wire back
// into a (kind, semantic) pair, so the discovery pipeline can build
// SlotInfo entries from a device's reported module inventory.
func (t staticLookupTable) ReverseLookup(moduleIdent uint32) (iocr.SlotKind, iocr.Semantic, bool) {
	entry, ok := t.reverse[moduleIdent]
	if !ok {
		return 0, 0, false
	}
	return entry.kind, entry.semantic, true
}
