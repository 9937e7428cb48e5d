package statepub

import (
	"fmt"

	"github.com/ioplant/profinet-controller/pkg/arstate"
	"github.com/ioplant/profinet-controller/pkg/identity"
)

// Publisher mirrors AR state transitions into a Redis hash per AR
// (`ar:<station_name>`) and publishes the change on the hash's own
// channel, the same write-then-publish idiom the teacher uses for every
// piece of vehicle state (pkg/service/redis_handlers.go).
type Publisher struct {
	client *Client
}

// NewPublisher builds a Publisher bound to client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func arKey(stationName string) string {
	return fmt.Sprintf("ar:%s", stationName)
}

// OnStateChange implements arstate.StateChangeCallback. ctx, if
// non-nil, must be the *arstate.AR that changed; this lets the
// publisher mirror the fields that accompany a transition (device MAC,
// session key, retry count) without taking a manager lock of its own.
func (p *Publisher) OnStateChange(stationName string, oldState, newState arstate.State, ctx any) {
	key := arKey(stationName)
	if err := p.client.WriteAndPublishString(key, "state", newState.String()); err != nil {
		return
	}

	ar, ok := ctx.(*arstate.AR)
	if !ok || ar == nil {
		return
	}
	_ = p.client.WriteInt(key, "retry_count", ar.RetryCount)
	_ = p.client.WriteInt(key, "missed_cycles", ar.MissedCycles)
	_ = p.client.WriteInt(key, "session_key", int(ar.SessionKey))
	_ = p.client.WriteAndPublishString(key, "device_mac", identity.FormatMAC(ar.DeviceMAC))
	if ar.LastError != nil {
		_ = p.client.WriteAndPublishString(key, "last_error", ar.LastError.Kind.String())
	}

	if newState == arstate.Close {
		// The identity fields are only meaningful for a live AR; clear
		// them once it's torn down rather than leaving a stale MAC and
		// session key behind for the next connect attempt to inherit.
		_, _ = p.client.HDel(key, "session_key", "device_mac")
	}
}
