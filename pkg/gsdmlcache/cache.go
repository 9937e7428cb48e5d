// Package gsdmlcache implements transport.GSDMLCache against the local
// filesystem, per spec.md §6's persisted state layout: one XML document
// per device under gsdml/<station_name>.xml. Lookup needs a parsed
// module list rather than raw XML, so each Store call also writes a
// CBOR-encoded index alongside the XML; Lookup reads the index directly
// and only falls back to re-parsing the XML if the index is missing or
// corrupt. CBOR is the teacher's own wire encoding for structured
// payloads (pkg/service/helpers.go's SendCBORMessage), reused here for
// an on-disk index instead of an on-wire message.
package gsdmlcache

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/ioplant/profinet-controller/pkg/transport"
)

// MaxXMLSize is the bounded size spec.md §6 allows for a fetched GSDML
// document (≤ 256 KiB).
const MaxXMLSize = 256 * 1024

// Cache stores and retrieves discovered-module lists under dir, one
// XML/index pair per station name.
type Cache struct {
	dir string
}

// New prepares a filesystem-backed cache rooted at dir, creating it if
// necessary.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gsdmlcache: create cache dir %q: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) xmlPath(stationName string) string {
	return filepath.Join(c.dir, stationName+".xml")
}

func (c *Cache) indexPath(stationName string) string {
	return filepath.Join(c.dir, stationName+".idx.cbor")
}

// Lookup implements transport.GSDMLCache. It is Phase 1 of the
// discovery pipeline (spec.md §4.4): a hit here skips the DAP-only
// probe and Record Read entirely.
func (c *Cache) Lookup(stationName string) ([]transport.DiscoveredModule, bool) {
	if raw, err := os.ReadFile(c.indexPath(stationName)); err == nil {
		var modules []transport.DiscoveredModule
		if err := cbor.Unmarshal(raw, &modules); err == nil {
			return modules, true
		}
	}

	xmlBody, err := os.ReadFile(c.xmlPath(stationName))
	if err != nil {
		return nil, false
	}
	modules, err := parseSlotsXML(xmlBody)
	if err != nil {
		return nil, false
	}
	c.writeIndex(stationName, modules)
	return modules, true
}

// Store implements transport.GSDMLCache. It is the background
// post-success fetch of spec.md §4.4 Phase 5+: xmlBody is the raw
// response body of the device's GET /gsdml, persisted as-is alongside
// a derived index for the next Lookup.
func (c *Cache) Store(stationName string, xmlBody []byte) error {
	if len(xmlBody) > MaxXMLSize {
		return fmt.Errorf("gsdmlcache: gsdml document for %q exceeds %d bytes", stationName, MaxXMLSize)
	}
	modules, err := parseSlotsXML(xmlBody)
	if err != nil {
		return fmt.Errorf("gsdmlcache: parse gsdml for %q: %w", stationName, err)
	}
	if err := os.WriteFile(c.xmlPath(stationName), xmlBody, 0o644); err != nil {
		return fmt.Errorf("gsdmlcache: write xml for %q: %w", stationName, err)
	}
	return c.writeIndex(stationName, modules)
}

func (c *Cache) writeIndex(stationName string, modules []transport.DiscoveredModule) error {
	raw, err := cbor.Marshal(modules)
	if err != nil {
		return fmt.Errorf("gsdmlcache: encode index for %q: %w", stationName, err)
	}
	if err := os.WriteFile(c.indexPath(stationName), raw, 0o644); err != nil {
		return fmt.Errorf("gsdmlcache: write index for %q: %w", stationName, err)
	}
	return nil
}

// slotsDocument is the subset of a device's GSDML-derived slot report
// this controller understands: a flat list of plugged modules, each
// naming its slot/subslot and ident numbers as decimal attributes. Full
// GSDML device profiles describe far more (parameter records, graphics,
// diagnosis alarms); this controller only ever needs the plug list.
type slotsDocument struct {
	XMLName xml.Name    `xml:"GSDMLSlots"`
	Slots   []slotEntry `xml:"Slot"`
}

type slotEntry struct {
	Number         byte   `xml:"number,attr"`
	Subslot        uint16 `xml:"subslot,attr"`
	ModuleIdent    uint32 `xml:"moduleIdent,attr"`
	SubmoduleIdent uint32 `xml:"submoduleIdent,attr"`
}

func parseSlotsXML(xmlBody []byte) ([]transport.DiscoveredModule, error) {
	var doc slotsDocument
	if err := xml.Unmarshal(xmlBody, &doc); err != nil {
		return nil, err
	}
	modules := make([]transport.DiscoveredModule, 0, len(doc.Slots))
	for _, s := range doc.Slots {
		modules = append(modules, transport.DiscoveredModule{
			Slot:           s.Number,
			Subslot:        s.Subslot,
			ModuleIdent:    s.ModuleIdent,
			SubmoduleIdent: s.SubmoduleIdent,
		})
	}
	return modules, nil
}
