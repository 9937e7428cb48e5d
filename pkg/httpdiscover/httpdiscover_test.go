package httpdiscover

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// startLoopbackServer binds the fixed device port on loopback so
// FetchSlots/FetchGSDML's hardcoded deviceURL resolves to it, serves
// handler until the test ends, and returns once listening.
func startLoopbackServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", Port))
	if err != nil {
		t.Skipf("cannot bind loopback port %d: %v", Port, err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
	})
}

func TestFetchSlotsParsesJSONArray(t *testing.T) {
	startLoopbackServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/slots" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"slot":1,"subslot":1,"module_ident":16,"submodule_ident":16}]`)
	})

	d := New(2 * time.Second)
	modules, err := d.FetchSlots(context.Background(), net.ParseIP("127.0.0.1"))
	if err != nil {
		t.Fatalf("FetchSlots: %v", err)
	}
	if len(modules) != 1 || modules[0].Slot != 1 || modules[0].ModuleIdent != 0x10 {
		t.Fatalf("modules = %+v, want one slot=1 module_ident=0x10 entry", modules)
	}
}

func TestFetchSlotsRejectsNonOKStatus(t *testing.T) {
	startLoopbackServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	d := New(2 * time.Second)
	if _, err := d.FetchSlots(context.Background(), net.ParseIP("127.0.0.1")); err == nil {
		t.Fatal("FetchSlots must fail on a non-200 response")
	}
}

func TestFetchGSDMLReturnsBody(t *testing.T) {
	startLoopbackServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gsdml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "<GSDMLSlots></GSDMLSlots>")
	})

	d := New(2 * time.Second)
	body, err := d.FetchGSDML(context.Background(), net.ParseIP("127.0.0.1"))
	if err != nil {
		t.Fatalf("FetchGSDML: %v", err)
	}
	if string(body) != "<GSDMLSlots></GSDMLSlots>" {
		t.Errorf("body = %q, want the raw gsdml document", body)
	}
}

func TestFetchGSDMLRejectsOversizedBody(t *testing.T) {
	startLoopbackServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a", gsdmlMaxBody+1))
	})

	d := New(2 * time.Second)
	if _, err := d.FetchGSDML(context.Background(), net.ParseIP("127.0.0.1")); err == nil {
		t.Fatal("FetchGSDML must reject a body larger than gsdmlMaxBody")
	}
}
