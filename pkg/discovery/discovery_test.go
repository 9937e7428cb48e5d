package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ioplant/profinet-controller/pkg/armanager"
	"github.com/ioplant/profinet-controller/pkg/arstate"
	"github.com/ioplant/profinet-controller/pkg/iocr"
	"github.com/ioplant/profinet-controller/pkg/transport"
)

// fakeRPC records every call it receives so tests can assert on the exact
// sequence the pipeline issues them in.
type fakeRPC struct {
	mu    sync.Mutex
	calls []string

	connectResp transport.ConnectResponse
	// connectFailures is how many leading Connect calls return connectErr
	// before every subsequent call returns connectResp instead.
	connectFailures int
	connectErr      error
	paramEndErr     error
	readResp        transport.ReadRecordResponse
	readErr         error
	releaseErr      error
}

func (f *fakeRPC) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeRPC) Connect(ctx context.Context, deviceIP net.IP, params transport.ConnectRequestParams) (transport.ConnectResponse, error) {
	f.record("connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectFailures > 0 {
		f.connectFailures--
		return transport.ConnectResponse{}, f.connectErr
	}
	return f.connectResp, nil
}

func (f *fakeRPC) ParameterEnd(ctx context.Context, deviceIP net.IP, arUUID uuid.UUID, sessionKey uint16) error {
	f.record("parameter_end")
	return f.paramEndErr
}

func (f *fakeRPC) ReadRecord(ctx context.Context, deviceIP net.IP, params transport.ReadRecordParams) (transport.ReadRecordResponse, error) {
	f.record("read_record")
	return f.readResp, f.readErr
}

func (f *fakeRPC) Release(ctx context.Context, deviceIP net.IP, arUUID uuid.UUID, sessionKey uint16) error {
	f.record("release")
	return f.releaseErr
}

func (f *fakeRPC) PollApplicationReady(ctx context.Context) (transport.ApplicationReadyRequest, bool, error) {
	return transport.ApplicationReadyRequest{}, false, nil
}

func (f *fakeRPC) SendApplicationReadyResponse(ctx context.Context, req transport.ApplicationReadyRequest, ok bool) error {
	return nil
}

func (f *fakeRPC) sequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeHTTP struct {
	mu        sync.Mutex
	slots     []transport.DiscoveredModule
	slotsErr  error
	gsdml     []byte
	gsdmlErr  error
	fetchedAt []string

	// gsdmlFetched is closed the first time FetchGSDML runs, letting a
	// test synchronize with discovery's background fetch goroutine
	// instead of racing it.
	gsdmlFetched chan struct{}
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{gsdmlFetched: make(chan struct{})}
}

func (f *fakeHTTP) FetchSlots(ctx context.Context, deviceIP net.IP) ([]transport.DiscoveredModule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchedAt = append(f.fetchedAt, "slots")
	return f.slots, f.slotsErr
}

func (f *fakeHTTP) FetchGSDML(ctx context.Context, deviceIP net.IP) ([]byte, error) {
	f.mu.Lock()
	f.fetchedAt = append(f.fetchedAt, "gsdml")
	f.mu.Unlock()
	close(f.gsdmlFetched)
	return f.gsdml, f.gsdmlErr
}

func (f *fakeHTTP) fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetchedAt...)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]transport.DiscoveredModule
	stored  map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]transport.DiscoveredModule{}, stored: map[string][]byte{}}
}

func (c *fakeCache) Lookup(stationName string) ([]transport.DiscoveredModule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	modules, ok := c.entries[stationName]
	return modules, ok
}

func (c *fakeCache) Store(stationName string, xmlBody []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored[stationName] = xmlBody
	return nil
}

func newManagerWithAR(t *testing.T, stationName string, rpc transport.RPCTransport) *armanager.Manager {
	t.Helper()
	var mac [6]byte
	copy(mac[:], []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	mgr := armanager.Init(mac, "controller-1", 0, 0, "eth0", nil, func(ctx context.Context, interfaceName string, controllerIP net.IP) (transport.RPCTransport, error) {
		return rpc, nil
	})
	mgr.SetControllerIP(net.ParseIP("192.168.1.10"))
	if _, err := mgr.CreateAR(armanager.ARConfig{StationName: stationName, DeviceIP: net.ParseIP("192.168.1.20"), Slots: nil}); err != nil {
		t.Fatalf("CreateAR: %v", err)
	}
	return mgr
}

func phSubmodule() transport.DiscoveredModule {
	return transport.DiscoveredModule{Slot: 1, Subslot: 1, ModuleIdent: 0x00000010, SubmoduleIdent: 0x00000010}
}

func successfulConnectResponse() transport.ConnectResponse {
	return transport.ConnectResponse{
		Success:    true,
		DeviceMAC:  [6]byte{1, 2, 3, 4, 5, 6},
		SessionKey: 7,
		FrameIDs:   []uint16{0x8001, 0x8002},
	}
}

func TestConnectWithDiscoveryCachedGSDMLSkipsProbe(t *testing.T) {
	rpc := &fakeRPC{connectResp: successfulConnectResponse()}
	mgr := newManagerWithAR(t, "rtu-a", rpc)

	cache := newFakeCache()
	cache.entries["rtu-a"] = []transport.DiscoveredModule{phSubmodule()}

	p := New(mgr, nil, cache)
	if err := p.ConnectWithDiscovery(context.Background(), "rtu-a"); err != nil {
		t.Fatalf("ConnectWithDiscovery: %v", err)
	}

	got := rpc.sequence()
	want := []string{"connect", "parameter_end"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("rpc calls = %v, want %v (a cache hit must skip the probe connect and Record Read)", got, want)
	}

	ar, ok := mgr.GetAR("rtu-a")
	if !ok {
		t.Fatal("AR must still exist")
	}
	if ar.State != arstate.Ready {
		t.Fatalf("state = %s, want READY", ar.State)
	}
	if len(ar.Slots) != 1 || ar.Slots[0].Kind != iocr.KindSensor || ar.Slots[0].Semantic != iocr.SemanticPH {
		t.Fatalf("Slots = %+v, want one ph sensor", ar.Slots)
	}
}

func TestConnectWithDiscoveryColdCacheRunsFullPipeline(t *testing.T) {
	rpc := &fakeRPC{
		connectResp: successfulConnectResponse(),
		readResp:    transport.ReadRecordResponse{Success: true, Modules: []transport.DiscoveredModule{phSubmodule()}},
	}
	mgr := newManagerWithAR(t, "rtu-b", rpc)
	cache := newFakeCache() // empty: every Lookup misses

	p := New(mgr, nil, cache)
	if err := p.ConnectWithDiscovery(context.Background(), "rtu-b"); err != nil {
		t.Fatalf("ConnectWithDiscovery: %v", err)
	}

	got := rpc.sequence()
	want := []string{"connect", "parameter_end", "read_record", "release", "connect", "parameter_end"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("rpc calls = %v, want %v", got, want)
	}

	ar, ok := mgr.GetAR("rtu-b")
	if !ok {
		t.Fatal("AR must still exist")
	}
	if ar.State != arstate.Ready {
		t.Fatalf("state = %s, want READY", ar.State)
	}
	if len(ar.Slots) != 1 || ar.Slots[0].Semantic != iocr.SemanticPH {
		t.Fatalf("Slots = %+v, want one ph sensor from Record Read", ar.Slots)
	}
}

func TestConnectWithDiscoveryFallsBackToHTTPWhenProbeConnectFails(t *testing.T) {
	rpc := &fakeRPC{
		connectResp:     successfulConnectResponse(),
		connectFailures: 1, // only the probe connect fails; the full connect succeeds
		connectErr:      fmt.Errorf("no response from device"),
	}
	mgr := newManagerWithAR(t, "rtu-c", rpc)
	cache := newFakeCache()
	httpClient := newFakeHTTP()
	httpClient.slots = []transport.DiscoveredModule{phSubmodule()}

	p := New(mgr, httpClient, cache)
	if err := p.ConnectWithDiscovery(context.Background(), "rtu-c"); err != nil {
		t.Fatalf("ConnectWithDiscovery: %v", err)
	}

	gotCalls := rpc.sequence()
	want := []string{"connect", "connect", "parameter_end"}
	if fmt.Sprint(gotCalls) != fmt.Sprint(want) {
		t.Fatalf("rpc calls = %v, want %v (probe connect fails, no parameter_end/read_record/release, then full connect succeeds)", gotCalls, want)
	}

	// A successful non-cached discovery kicks off a background GSDML
	// fetch+store; wait for it instead of racing the goroutine.
	select {
	case <-httpClient.gsdmlFetched:
	case <-time.After(time.Second):
		t.Fatal("background gsdml fetch never ran")
	}
	if got := httpClient.fetches(); len(got) != 2 || got[0] != "slots" || got[1] != "gsdml" {
		t.Fatalf("http fetches = %v, want [slots gsdml]", got)
	}

	ar, ok := mgr.GetAR("rtu-c")
	if !ok {
		t.Fatal("AR must still exist")
	}
	if ar.State != arstate.Ready {
		t.Fatalf("state = %s, want READY", ar.State)
	}
	if len(ar.Slots) != 1 || ar.Slots[0].Semantic != iocr.SemanticPH {
		t.Fatalf("Slots = %+v, want the HTTP-derived ph sensor", ar.Slots)
	}
}

func TestConnectWithDiscoveryRejectsUnknownStation(t *testing.T) {
	rpc := &fakeRPC{connectResp: successfulConnectResponse()}
	mgr := newManagerWithAR(t, "rtu-d", rpc)
	p := New(mgr, nil, newFakeCache())

	if err := p.ConnectWithDiscovery(context.Background(), "no-such-station"); err == nil {
		t.Fatal("ConnectWithDiscovery must fail for a station that doesn't exist")
	}
}
