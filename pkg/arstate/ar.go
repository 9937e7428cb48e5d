package arstate

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ioplant/profinet-controller/pkg/iocr"
)

// AR is one Application Relationship: the logical binding between this
// controller and a single field device (spec.md §3).
type AR struct {
	// Identity
	StationName string
	ARUUID      uuid.UUID
	SessionKey  uint16
	DeviceMAC   [6]byte
	DeviceIP    net.IP

	// Config
	ARType      ARType
	WatchdogMS  int64
	Slots       []iocr.SlotInfo

	// Runtime
	State          State
	LastActivityMS int64
	LastError      *ProtocolError
	RetryCount     int
	MissedCycles   int
	connecting     atomic.Bool

	Input  *iocr.IOCR
	Output *iocr.IOCR
}

// New creates an AR in state INIT. watchdogMS is clamped to spec.md's
// minimum of 1000ms; zero selects the 3000ms default.
func New(stationName string, watchdogMS int64, slots []iocr.SlotInfo) *AR {
	if watchdogMS == 0 {
		watchdogMS = DefaultWatchdogMS
	}
	if watchdogMS < MinWatchdogMS {
		watchdogMS = MinWatchdogMS
	}
	return &AR{
		StationName: stationName,
		ARType:      IOCAR,
		WatchdogMS:  watchdogMS,
		Slots:       slots,
		State:       Init,
	}
}

// TryBeginConnecting attempts to acquire the per-AR connecting flag with
// acquire semantics, giving the discovery pipeline exclusive rights to
// drive this AR's state machine (spec.md §5). It returns false if a
// connect is already in flight.
func (ar *AR) TryBeginConnecting() bool {
	return ar.connecting.CompareAndSwap(false, true)
}

// EndConnecting releases the connecting flag with release semantics.
func (ar *AR) EndConnecting() {
	ar.connecting.Store(false)
}

// IsConnecting reports whether a connect pipeline currently owns this AR.
func (ar *AR) IsConnecting() bool {
	return ar.connecting.Load()
}

func (ar *AR) setState(cb StateChangeCallback, ctx any, next State) {
	old := ar.State
	ar.State = next
	if old != next && cb != nil {
		cb(ar.StationName, old, next, ctx)
	}
}

// BeginConnect drives INIT -> CONNECT_REQ, stamping last_activity_ms.
// Also used to re-enter the connect pipeline for a retry attempt from
// ABORT (spec.md's "ABORT -> ABORT (retry)" actually executes this same
// action: regenerate identity, then call connect again).
func (ar *AR) BeginConnect(nowMS int64, arUUID uuid.UUID, sessionKey uint16, cb StateChangeCallback, ctx any) {
	ar.ARUUID = arUUID
	ar.SessionKey = sessionKey
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, ConnectReq)
}

// ConnectSucceeded drives CONNECT_REQ -> CONNECT_CNF: adopts the
// device-assigned MAC and session key (device value always wins), resets
// retry/watchdog counters and clears the last error.
func (ar *AR) ConnectSucceeded(nowMS int64, deviceMAC [6]byte, deviceSessionKey uint16, inputFrameID, outputFrameID uint16, cb StateChangeCallback, ctx any) {
	ar.DeviceMAC = deviceMAC
	ar.SessionKey = deviceSessionKey
	if ar.Input != nil {
		ar.Input.FrameID = inputFrameID
	}
	if ar.Output != nil {
		ar.Output.FrameID = outputFrameID
	}
	ar.RetryCount = 0
	ar.MissedCycles = 0
	ar.LastError = nil
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, ConnectCnf)
}

// ConnectFailed drives CONNECT_REQ -> ABORT, classifying the failure.
func (ar *AR) ConnectFailed(nowMS int64, kind ErrorKind, cause error, cb StateChangeCallback, ctx any) {
	ar.LastError = NewError(kind, "connect", cause)
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, Abort)
}

// CheckConnectTimeout drives CONNECT_REQ -> ABORT if 10s have elapsed
// without a response. Returns true if it transitioned.
func (ar *AR) CheckConnectTimeout(nowMS int64, cb StateChangeCallback, ctx any) bool {
	if ar.State != ConnectReq {
		return false
	}
	if nowMS-ar.LastActivityMS <= ConnectTimeoutMS {
		return false
	}
	ar.ConnectFailed(nowMS, ErrTimeout, nil, cb, ctx)
	return true
}

// AdvanceToParameterization drives CONNECT_CNF -> PRMSRV on the next
// scheduler tick (unconditional, per spec.md's table).
func (ar *AR) AdvanceToParameterization(nowMS int64, cb StateChangeCallback, ctx any) bool {
	if ar.State != ConnectCnf {
		return false
	}
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, PrmSrv)
	return true
}

// ParameterEndSucceeded drives PRMSRV -> READY.
func (ar *AR) ParameterEndSucceeded(nowMS int64, cb StateChangeCallback, ctx any) {
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, Ready)
}

// ParameterEndFailed drives PRMSRV -> ABORT.
func (ar *AR) ParameterEndFailed(nowMS int64, kind ErrorKind, cause error, cb StateChangeCallback, ctx any) {
	ar.LastError = NewError(kind, "parameter_end", cause)
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, Abort)
}

// AcceptApplicationReady matches an inbound ApplicationReady RPC by
// (session_key, ar_uuid) and, only if the AR is currently READY, drives
// READY -> RUN. Any other current state yields false with no transition
// (spec.md §4.6: "Any other state yields a warning and no state
// change").
func (ar *AR) AcceptApplicationReady(nowMS int64, sessionKey uint16, arUUID uuid.UUID, cb StateChangeCallback, ctx any) bool {
	if ar.State != Ready {
		return false
	}
	if ar.SessionKey != sessionKey || ar.ARUUID != arUUID {
		return false
	}
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, Run)
	return true
}

// CheckApplicationReadyTimeout drives READY -> ABORT if no
// ApplicationReady arrived within 30s.
func (ar *AR) CheckApplicationReadyTimeout(nowMS int64, cb StateChangeCallback, ctx any) bool {
	if ar.State != Ready {
		return false
	}
	if nowMS-ar.LastActivityMS <= ApplicationReadyTimeoutMS {
		return false
	}
	ar.LastError = NewError(ErrTimeout, "application_ready", nil)
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, Abort)
	return true
}

// OnRTFrame records that an RT frame arrived: it resets the missed-cycle
// counter and stamps last_activity_ms, independent of the current state.
func (ar *AR) OnRTFrame(nowMS int64) {
	ar.MissedCycles = 0
	ar.LastActivityMS = nowMS
}

// CheckWatchdog evaluates the RUN-state liveness window. A single late
// frame does not trip the watchdog; only WatchdogMissThreshold
// consecutive misses does, transitioning RUN -> ABORT with TIMEOUT.
func (ar *AR) CheckWatchdog(nowMS int64, cb StateChangeCallback, ctx any) (missed bool, tripped bool) {
	if ar.State != Run {
		return false, false
	}
	if nowMS-ar.LastActivityMS <= ar.WatchdogMS {
		return false, false
	}
	ar.MissedCycles++
	if ar.MissedCycles < WatchdogMissThreshold {
		return true, false
	}
	ar.LastError = NewError(ErrTimeout, "watchdog", nil)
	ar.setState(cb, ctx, Abort)
	return true, true
}

// Release drives RUN -> CLOSE unconditionally; the caller is responsible
// for attempting the (best-effort) Release RPC before calling this.
func (ar *AR) Release(nowMS int64, cb StateChangeCallback, ctx any) {
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, Close)
}

// ShouldRetry reports whether an ABORT-state AR is eligible for another
// connect attempt: the classified error must not be permanent and the
// retry budget must not be exhausted.
func (ar *AR) ShouldRetry() bool {
	if ar.State != Abort {
		return false
	}
	if ar.LastError != nil && ar.LastError.Kind.IsPermanent() {
		return false
	}
	return ar.RetryCount < MaxRetryAttempts
}

// NextBackoffMS returns the jittered delay, in milliseconds, an AR
// currently in ABORT must wait before its next retry.
func (ar *AR) NextBackoffMS(nowMS int64) int64 {
	return backoffDelayMS(ar.RetryCount, nowMS)
}

// BeginRetry increments retry_count, regenerates identity, and re-enters
// CONNECT_REQ to kick off a fresh connect attempt. Callers must have
// already issued a best-effort Release RPC to the device beforehand
// (spec.md §4.5).
func (ar *AR) BeginRetry(nowMS int64, newARUUID uuid.UUID, newSessionKey uint16, cb StateChangeCallback, ctx any) {
	ar.RetryCount++
	ar.LastError = nil
	ar.BeginConnect(nowMS, newARUUID, newSessionKey, cb, ctx)
}

// GiveUp drives ABORT -> CLOSE when retries are exhausted or the error
// is permanent (spec.md §8 invariant 6).
func (ar *AR) GiveUp(nowMS int64, cb StateChangeCallback, ctx any) {
	ar.LastActivityMS = nowMS
	ar.setState(cb, ctx, Close)
}

// ResetForRediscovery returns an AR to INIT so a fresh discovery pipeline
// run can rebuild its IOCRs from newly-discovered modules (spec.md
// §4.4 Phase 4: "Reset AR state to INIT").
func (ar *AR) ResetForRediscovery(cb StateChangeCallback, ctx any) {
	ar.setState(cb, ctx, Init)
}
