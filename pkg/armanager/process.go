package armanager

import (
	"context"
	"log"

	"github.com/ioplant/profinet-controller/pkg/arstate"
	"github.com/ioplant/profinet-controller/pkg/identity"
)

// Process is the single-tick advance (spec.md §4.6): it polls the RPC
// transport for an inbound ApplicationReady, then advances every AR not
// flagged connecting per the §4.5 timeout and retry table.
func (m *Manager) Process(ctx context.Context) {
	m.pollApplicationReady(ctx)

	m.mu.Lock()
	candidates := make([]*arstate.AR, 0, len(m.ars))
	for _, ar := range m.ars {
		if !ar.IsConnecting() {
			candidates = append(candidates, ar)
		}
	}
	m.mu.Unlock()

	for _, ar := range candidates {
		m.advanceOne(ctx, ar)
	}
}

// SendAllOutputData encodes and transmits the OUTPUT cyclic frame for
// every RUN-state AR (spec.md §4.6, §9's scheduler: "Process(),
// CheckHealth(), and SendOutputData() each tick"). A send failure is
// logged and counted in FrameErrors but never stops the sweep over the
// remaining ARs.
func (m *Manager) SendAllOutputData() {
	m.mu.Lock()
	running := make([]*arstate.AR, 0, len(m.ars))
	for _, ar := range m.ars {
		if ar.State == arstate.Run {
			running = append(running, ar)
		}
	}
	m.mu.Unlock()

	for _, ar := range running {
		if err := m.SendOutputData(ar); err != nil {
			log.Printf("armanager: send_output_data for %q: %v", ar.StationName, err)
		}
	}
}

// pollApplicationReady drains at most one inbound ApplicationReady
// request per tick and, if accepted, sends the matching response.
func (m *Manager) pollApplicationReady(ctx context.Context) {
	m.mu.Lock()
	rpc, err := m.ensureRPCInitialized(ctx)
	m.mu.Unlock()
	if err != nil {
		return
	}

	req, ok, err := rpc.PollApplicationReady(ctx)
	if err != nil {
		log.Printf("armanager: poll application_ready: %v", err)
		return
	}
	if !ok {
		return
	}

	accepted := m.AcceptApplicationReady(req)
	if !accepted {
		log.Printf("armanager: application_ready from unmatched/wrong-state AR (session_key=%d ar_uuid=%s)", req.SessionKey, req.ARUUID)
	}
	if err := rpc.SendApplicationReadyResponse(ctx, req, accepted); err != nil {
		log.Printf("armanager: send application_ready response: %v", err)
	}
}

// advanceOne drives a single AR's next transition. Each branch takes
// the lock, reads the relevant fields, and (if a blocking RPC is
// required) drops the lock, performs the call, reacquires it and
// re-validates the AR is still in the table before mutating state
// (spec.md §5).
func (m *Manager) advanceOne(ctx context.Context, ar *arstate.AR) {
	m.mu.Lock()
	state := ar.State
	m.mu.Unlock()

	switch state {
	case arstate.ConnectReq:
		m.mu.Lock()
		ar.CheckConnectTimeout(nowMS(), m.stateCB, ar)
		m.mu.Unlock()

	case arstate.ConnectCnf:
		m.mu.Lock()
		ar.AdvanceToParameterization(nowMS(), m.stateCB, ar)
		m.mu.Unlock()
		m.runParameterEnd(ctx, ar)

	case arstate.Ready:
		m.mu.Lock()
		ar.CheckApplicationReadyTimeout(nowMS(), m.stateCB, ar)
		m.mu.Unlock()

	case arstate.Abort:
		m.advanceAbort(ctx, ar)
	}
}

// runParameterEnd issues the ParameterEnd RPC for an AR that just
// entered PRMSRV, dropping the manager lock for the blocking call.
func (m *Manager) runParameterEnd(ctx context.Context, ar *arstate.AR) {
	m.mu.Lock()
	if ar.State != arstate.PrmSrv {
		m.mu.Unlock()
		return
	}
	rpc, err := m.ensureRPCInitialized(ctx)
	if err != nil {
		ar.ParameterEndFailed(nowMS(), arstate.ErrNotInitialized, err, m.stateCB, ar)
		m.mu.Unlock()
		return
	}
	deviceIP := ar.DeviceIP
	arUUID := ar.ARUUID
	sessionKey := ar.SessionKey

	var callErr error
	stillPresent := m.callWithUnlock(ar, func() {
		callErr = rpc.ParameterEnd(ctx, deviceIP, arUUID, sessionKey)
	})
	if !stillPresent {
		m.mu.Unlock()
		return
	}
	if callErr != nil {
		ar.ParameterEndFailed(nowMS(), arstate.ErrProtocol, callErr, m.stateCB, ar)
	} else {
		ar.ParameterEndSucceeded(nowMS(), m.stateCB, ar)
	}
	m.mu.Unlock()
}

// advanceAbort handles an ABORT-state AR: either it is eligible for a
// backoff-gated retry (best-effort Release, then reconnect with a fresh
// identity), or it has exhausted its retry budget / hit a permanent
// error and gives up to CLOSE (spec.md §4.5).
func (m *Manager) advanceAbort(ctx context.Context, ar *arstate.AR) {
	m.mu.Lock()
	if ar.State != arstate.Abort {
		m.mu.Unlock()
		return
	}
	if !ar.ShouldRetry() {
		ar.GiveUp(nowMS(), m.stateCB, ar)
		m.mu.Unlock()
		return
	}

	now := nowMS()
	if now-ar.LastActivityMS < ar.NextBackoffMS(now) {
		m.mu.Unlock()
		return
	}

	rpc, err := m.ensureRPCInitialized(ctx)
	deviceIP := ar.DeviceIP
	arUUID := ar.ARUUID
	sessionKey := ar.SessionKey
	m.mu.Unlock()

	if err == nil {
		// Best-effort Release to clear a stale peer AR before retrying;
		// failures here are logged but never block the retry itself.
		if relErr := rpc.Release(ctx, deviceIP, arUUID, sessionKey); relErr != nil {
			log.Printf("armanager: best-effort release before retry for %q: %v", ar.StationName, relErr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.contains(ar) {
		return
	}
	if ar.State != arstate.Abort {
		return
	}
	newUUID := identity.NewAR()
	newSessionKey := m.sessionKeys.Next()
	ar.BeginRetry(nowMS(), newUUID, newSessionKey, m.stateCB, ar)
}
