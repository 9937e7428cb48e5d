// Package httpdiscover implements transport.HTTPDiscoverer against a
// device's onboard HTTP server (spec.md §4.4 Phase 6 and §6): a JSON
// /slots endpoint used when the DAP-only probe connect fails outright,
// and an XML /gsdml endpoint fetched in the background after a
// successful connect. The teacher itself never talks HTTP; the
// example corpus's own HTTP client code (guiperry-HASHER's
// internal/client/api.go) is plain net/http with an *http.Client and a
// context-scoped *http.Request, so that is the idiom this package
// follows rather than introducing a third-party client library (see
// DESIGN.md).
package httpdiscover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ioplant/profinet-controller/pkg/transport"
)

// Port is the device's HTTP fallback port (spec.md §6).
const Port = 9081

// Discoverer talks to a device's fallback HTTP server.
type Discoverer struct {
	client *http.Client
}

// New builds a Discoverer with the given per-request timeout (spec.md
// §5: "may block on TCP + read for their own timeouts, e.g. 10s").
func New(timeout time.Duration) *Discoverer {
	return &Discoverer{client: &http.Client{Timeout: timeout}}
}

type slotJSON struct {
	Slot           byte   `json:"slot"`
	Subslot        uint16 `json:"subslot"`
	ModuleIdent    uint32 `json:"module_ident"`
	SubmoduleIdent uint32 `json:"submodule_ident"`
}

// FetchSlots implements transport.HTTPDiscoverer's Phase 6 fallback:
// GET /slots, parsed as a JSON array into a discovered-module list.
func (d *Discoverer) FetchSlots(ctx context.Context, deviceIP net.IP) ([]transport.DiscoveredModule, error) {
	url := fmt.Sprintf("http://%s/slots", deviceURL(deviceIP))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpdiscover: build /slots request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpdiscover: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpdiscover: GET %s: status %d", url, resp.StatusCode)
	}

	var raw []slotJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("httpdiscover: decode /slots body: %w", err)
	}

	modules := make([]transport.DiscoveredModule, 0, len(raw))
	for _, s := range raw {
		modules = append(modules, transport.DiscoveredModule{
			Slot:           s.Slot,
			Subslot:        s.Subslot,
			ModuleIdent:    s.ModuleIdent,
			SubmoduleIdent: s.SubmoduleIdent,
		})
	}
	return modules, nil
}

// gsdmlMaxBody bounds the /gsdml response per spec.md §6 (≤ 256 KiB).
const gsdmlMaxBody = 256 * 1024

// FetchGSDML implements transport.HTTPDiscoverer's background fetch:
// GET /gsdml, returned as the raw XML body for the caller to hand to a
// transport.GSDMLCache.
func (d *Discoverer) FetchGSDML(ctx context.Context, deviceIP net.IP) ([]byte, error) {
	url := fmt.Sprintf("http://%s/gsdml", deviceURL(deviceIP))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpdiscover: build /gsdml request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpdiscover: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpdiscover: GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, gsdmlMaxBody+1))
	if err != nil {
		return nil, fmt.Errorf("httpdiscover: read /gsdml body: %w", err)
	}
	if len(body) > gsdmlMaxBody {
		return nil, fmt.Errorf("httpdiscover: /gsdml body exceeds %d bytes", gsdmlMaxBody)
	}
	return body, nil
}

func deviceURL(deviceIP net.IP) string {
	return fmt.Sprintf("%s:%d", deviceIP.String(), Port)
}
