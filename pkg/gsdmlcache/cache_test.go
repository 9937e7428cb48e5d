package gsdmlcache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ioplant/profinet-controller/pkg/transport"
)

const sampleXML = `<?xml version="1.0"?>
<GSDMLSlots>
  <Slot number="1" subslot="1" moduleIdent="16" submoduleIdent="16"/>
  <Slot number="2" subslot="1" moduleIdent="32" submoduleIdent="32"/>
</GSDMLSlots>`

func TestStoreThenLookupReturnsParsedModules(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := cache.Store("rtu-a", []byte(sampleXML)); err != nil {
		t.Fatalf("Store: %v", err)
	}

	modules, ok := cache.Lookup("rtu-a")
	if !ok {
		t.Fatal("Lookup must hit after Store")
	}
	want := []transport.DiscoveredModule{
		{Slot: 1, Subslot: 1, ModuleIdent: 0x10, SubmoduleIdent: 0x10},
		{Slot: 2, Subslot: 1, ModuleIdent: 0x20, SubmoduleIdent: 0x20},
	}
	if len(modules) != len(want) {
		t.Fatalf("modules = %+v, want %+v", modules, want)
	}
	for i := range want {
		if modules[i] != want[i] {
			t.Errorf("modules[%d] = %+v, want %+v", i, modules[i], want[i])
		}
	}
}

func TestLookupMissesForUnknownStation(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := cache.Lookup("no-such-station"); ok {
		t.Fatal("Lookup must miss for a station never stored")
	}
}

func TestLookupRebuildsIndexWhenCBORMissing(t *testing.T) {
	dir := t.TempDir()
	cache, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cache.Store("rtu-b", []byte(sampleXML)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "rtu-b.idx.cbor")); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	modules, ok := cache.Lookup("rtu-b")
	if !ok {
		t.Fatal("Lookup must fall back to re-parsing the XML when the index is gone")
	}
	if len(modules) != 2 {
		t.Fatalf("modules = %+v, want 2 entries", modules)
	}

	if _, err := os.Stat(filepath.Join(dir, "rtu-b.idx.cbor")); err != nil {
		t.Error("Lookup must regenerate the index after a fallback parse")
	}
}

func TestStoreRejectsOversizedDocument(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	oversized := []byte(strings.Repeat("a", MaxXMLSize+1))
	if err := cache.Store("rtu-c", oversized); err == nil {
		t.Fatal("Store must reject a document larger than MaxXMLSize")
	}
}

func TestStoreRejectsMalformedXML(t *testing.T) {
	cache, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cache.Store("rtu-d", []byte("not xml at all")); err == nil {
		t.Fatal("Store must reject a body that doesn't parse as the slots document")
	}
}
