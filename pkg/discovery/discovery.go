// Package discovery orchestrates the multi-phase "bring an AR to RUN"
// sequence (spec.md §4.4): a GSDML cache probe, a DAP-only probe
// connect, acyclic record-read module discovery (with an HTTP fallback
// if the probe connect itself fails), and the full production connect.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ioplant/profinet-controller/pkg/armanager"
	"github.com/ioplant/profinet-controller/pkg/arstate"
	"github.com/ioplant/profinet-controller/pkg/connectparams"
	"github.com/ioplant/profinet-controller/pkg/identity"
	"github.com/ioplant/profinet-controller/pkg/iocr"
	"github.com/ioplant/profinet-controller/pkg/transport"
)

// recordReadIndex is the RealIdentificationData record (spec.md §4.4
// Phase 3).
const recordReadIndex uint32 = 0xF844

// postReleaseSettleDelay is the empirical pause between releasing the
// probe AR and issuing the full connect (spec.md §4.4 Phase 3b, §9 open
// question (c): "vendor devices may need more").
const postReleaseSettleDelay = 100 * time.Millisecond

// Pipeline drives AR discovery and connection for a single manager.
type Pipeline struct {
	mgr   *armanager.Manager
	http  transport.HTTPDiscoverer
	cache transport.GSDMLCache
}

// New builds a discovery pipeline bound to mgr. http and cache may be
// nil; a nil http means Phase 6 fallback and background GSDML fetch are
// skipped, a nil cache means Phase 1 always misses.
func New(mgr *armanager.Manager, http transport.HTTPDiscoverer, cache transport.GSDMLCache) *Pipeline {
	return &Pipeline{mgr: mgr, http: http, cache: cache}
}

// ConnectWithDiscovery runs the full pipeline for an AR that already
// exists in the manager (created via armanager.CreateAR, typically with
// an empty slot list pending discovery). It acquires the AR's
// connecting flag for the duration, excluding the scheduler tick from
// touching the AR's state machine concurrently (spec.md §5).
func (p *Pipeline) ConnectWithDiscovery(ctx context.Context, stationName string) error {
	ar, ok := p.mgr.TryBeginConnecting(stationName)
	if !ok {
		return arstate.NewError(arstate.ErrNotFound, "connect_with_discovery", fmt.Errorf("station %q not found or already connecting", stationName))
	}
	defer p.mgr.EndConnecting(ar)

	modules, fromCache, err := p.discoverModules(ctx, ar, stationName)
	if err != nil {
		return err
	}

	slots := p.modulesToSlots(modules)
	if _, err := p.mgr.ReplaceSlots(stationName, slots); err != nil {
		return err
	}
	p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
		if ok {
			ar.ResetForRediscovery(cb, ar)
		}
	})

	if err := p.fullConnect(ctx, ar, stationName); err != nil {
		return err
	}

	if !fromCache && p.http != nil {
		go p.fetchGSDMLBackground(ar.DeviceIP, stationName)
	}
	return nil
}

// discoverModules implements Phases 1-3b: a cache hit short-circuits
// straight to the module list; a cache miss runs the DAP-only probe
// connect and Record Read, falling back to the HTTP /slots endpoint if
// the probe connect itself fails outright.
func (p *Pipeline) discoverModules(ctx context.Context, ar *arstate.AR, stationName string) ([]transport.DiscoveredModule, bool, error) {
	if p.cache != nil {
		if modules, ok := p.cache.Lookup(stationName); ok {
			return modules, true, nil
		}
	}

	modules, err := p.probeConnect(ctx, ar, stationName)
	if err == nil {
		return modules, false, nil
	}

	// Only a failed probe connect falls back to HTTP; a ParameterEnd or
	// Record Read failure after a successful probe connect aborts.
	if pe, ok := err.(*arstate.ProtocolError); !ok || pe.Kind != arstate.ErrConnectionFailed {
		return nil, false, err
	}
	if p.http == nil {
		return nil, false, err
	}
	modules, httpErr := p.http.FetchSlots(ctx, ar.DeviceIP)
	if httpErr != nil {
		return nil, false, arstate.NewError(arstate.ErrConnectionFailed, "discover_modules", fmt.Errorf("probe connect failed (%v) and http fallback failed (%v)", err, httpErr))
	}
	return modules, false, nil
}

// probeConnect runs Phases 2, 2b and 3: a DAP-only connect, its
// ParameterEnd, the RealIdentificationData Record Read, and (always) a
// best-effort Release of the probe AR afterward.
func (p *Pipeline) probeConnect(ctx context.Context, ar *arstate.AR, stationName string) ([]transport.DiscoveredModule, error) {
	rpc, err := p.mgr.RPC(ctx)
	if err != nil {
		return nil, err
	}

	controller := p.mgr.Controller()
	arUUID := identity.NewAR()
	sessionKey := p.mgr.AllocateSessionKey()
	params := connectparams.BuildDAPOnly(arUUID, sessionKey, controller.StationName, controller.MAC, controller.UUID, p.mgr.TimingProfile())

	p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
		if ok {
			ar.BeginConnect(nowMS(), arUUID, sessionKey, cb, ar)
		}
	})

	resp, err := rpc.Connect(ctx, ar.DeviceIP, params)
	if err != nil || !resp.Success {
		p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
			if ok {
				ar.ConnectFailed(nowMS(), arstate.ErrConnectionFailed, err, cb, ar)
			}
		})
		return nil, arstate.NewError(arstate.ErrConnectionFailed, "probe_connect", err)
	}

	var inputFrameID, outputFrameID uint16
	if len(resp.FrameIDs) >= 2 {
		inputFrameID, outputFrameID = resp.FrameIDs[0], resp.FrameIDs[1]
	}
	p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
		if ok {
			ar.ConnectSucceeded(nowMS(), resp.DeviceMAC, resp.SessionKey, inputFrameID, outputFrameID, cb, ar)
			ar.AdvanceToParameterization(nowMS(), cb, ar)
		}
	})

	defer p.releaseProbe(ctx, rpc, ar.DeviceIP, arUUID, resp.SessionKey)

	if err := rpc.ParameterEnd(ctx, ar.DeviceIP, arUUID, resp.SessionKey); err != nil {
		return nil, arstate.NewError(arstate.ErrProtocol, "probe_parameter_end", err)
	}
	p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
		if ok {
			ar.ParameterEndSucceeded(nowMS(), cb, ar)
		}
	})

	readResp, err := rpc.ReadRecord(ctx, ar.DeviceIP, transport.ReadRecordParams{
		ARUUID:  arUUID,
		Slot:    connectparams.DAPSlot,
		Subslot: connectparams.IdentitySubslot,
		Index:   recordReadIndex,
	})
	if err != nil || !readResp.Success {
		return nil, arstate.NewError(arstate.ErrProtocol, "record_read", err)
	}
	return readResp.Modules, nil
}

// releaseProbe issues a best-effort Release of the probe AR and sleeps
// the settle delay before the caller proceeds to the full connect
// (spec.md §4.4 Phase 3b).
func (p *Pipeline) releaseProbe(ctx context.Context, rpc transport.RPCTransport, deviceIP net.IP, arUUID uuid.UUID, sessionKey uint16) {
	if err := rpc.Release(ctx, deviceIP, arUUID, sessionKey); err != nil {
		log.Printf("discovery: best-effort release of probe AR failed: %v", err)
	}
	time.Sleep(postReleaseSettleDelay)
}

// fullConnect implements Phase 5: build full connect params from the
// AR's (already rebuilt) slot layout and run the production connect.
func (p *Pipeline) fullConnect(ctx context.Context, ar *arstate.AR, stationName string) error {
	rpc, err := p.mgr.RPC(ctx)
	if err != nil {
		return err
	}

	controller := p.mgr.Controller()
	arUUID := identity.NewAR()
	sessionKey := p.mgr.AllocateSessionKey()

	params, err := connectparams.BuildFull(arUUID, sessionKey, controller.StationName, controller.MAC, controller.UUID, p.mgr.TimingProfile(), ar.Slots, ar.Input, ar.Output, p.mgr.ModuleIdentLookup())
	if err != nil {
		return arstate.NewError(arstate.ErrInvalidParam, "full_connect", err)
	}

	p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
		if ok {
			ar.BeginConnect(nowMS(), arUUID, sessionKey, cb, ar)
		}
	})

	resp, err := rpc.Connect(ctx, ar.DeviceIP, params)
	if err != nil || !resp.Success {
		p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
			if ok {
				ar.ConnectFailed(nowMS(), arstate.ErrConnectionFailed, err, cb, ar)
			}
		})
		return arstate.NewError(arstate.ErrConnectionFailed, "full_connect", err)
	}

	var inputFrameID, outputFrameID uint16
	if len(resp.FrameIDs) >= 2 {
		inputFrameID, outputFrameID = resp.FrameIDs[0], resp.FrameIDs[1]
	}
	p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
		if ok {
			ar.ConnectSucceeded(nowMS(), resp.DeviceMAC, resp.SessionKey, inputFrameID, outputFrameID, cb, ar)
			ar.AdvanceToParameterization(nowMS(), cb, ar)
		}
	})

	if err := rpc.ParameterEnd(ctx, ar.DeviceIP, arUUID, resp.SessionKey); err != nil {
		p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
			if ok {
				ar.ParameterEndFailed(nowMS(), arstate.ErrProtocol, err, cb, ar)
			}
		})
		return arstate.NewError(arstate.ErrProtocol, "full_connect_parameter_end", err)
	}
	p.mgr.WithAR(stationName, func(ar *arstate.AR, ok bool, cb arstate.StateChangeCallback) {
		if ok {
			ar.ParameterEndSucceeded(nowMS(), cb, ar)
		}
	})
	return nil
}

// modulesToSlots classifies each discovered module's module_ident back
// into a SlotInfo via the module-ident lookup table, skipping the
// mandatory DAP submodules (slot 0) and any module this controller
// doesn't recognize.
func (p *Pipeline) modulesToSlots(modules []transport.DiscoveredModule) []iocr.SlotInfo {
	lookup := p.mgr.ModuleIdentLookup()
	slots := make([]iocr.SlotInfo, 0, len(modules))
	for _, mod := range modules {
		if mod.Slot == connectparams.DAPSlot {
			continue
		}
		kind, semantic, ok := lookup.ReverseLookup(mod.ModuleIdent)
		if !ok {
			log.Printf("discovery: unrecognized module_ident 0x%08x at slot %d/%d, skipping", mod.ModuleIdent, mod.Slot, mod.Subslot)
			continue
		}
		slots = append(slots, iocr.SlotInfo{
			Slot:     mod.Slot,
			Subslot:  byte(mod.Subslot),
			Kind:     kind,
			Semantic: semantic,
		})
	}
	return slots
}

// fetchGSDMLBackground implements the post-success background GSDML
// fetch (spec.md §4.4 "Phase 5+"): failure is logged but never
// propagated, since this only populates the cache for next time.
func (p *Pipeline) fetchGSDMLBackground(deviceIP net.IP, stationName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	xmlBody, err := p.http.FetchGSDML(ctx, deviceIP)
	if err != nil {
		log.Printf("discovery: background gsdml fetch for %q failed: %v", stationName, err)
		return
	}
	if p.cache == nil {
		return
	}
	if err := p.cache.Store(stationName, xmlBody); err != nil {
		log.Printf("discovery: caching gsdml for %q failed: %v", stationName, err)
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
