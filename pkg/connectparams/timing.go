// Package connectparams translates a logical slot layout into the
// ConnectRequestParams value consumed by the RPC connect primitive
// (spec.md §4.3), in both the DAP-only (probe) and full (production)
// variants. BuildDAPOnly and BuildFull accept a TimingProfile but do not
// encode it: the IOCR entries of a connect request carry no timing
// fields.
package connectparams

// TimingProfile is spec.md §3's {send_clock_factor, reduction_ratio,
// watchdog_factor, data_hold_factor, rta_timeout_factor, rta_retries}.
type TimingProfile struct {
	SendClockFactor  uint16
	ReductionRatio   uint16
	WatchdogFactor   uint16
	DataHoldFactor   uint16
	RTATimeoutFactor uint16
	RTARetries       uint16
}

// DefaultTimingProfile is the conservative default from spec.md §3: SCF=64,
// RR=128, WDF=10 (~2ms cycle * 128 = 256ms update, 2.56s watchdog), 5 RTA
// retries.
func DefaultTimingProfile() TimingProfile {
	return TimingProfile{
		SendClockFactor:  64,
		ReductionRatio:   128,
		WatchdogFactor:   10,
		DataHoldFactor:   3,
		RTATimeoutFactor: 3,
		RTARetries:       5,
	}
}
