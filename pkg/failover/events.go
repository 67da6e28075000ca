package failover

import "time"

// Reason classifies why the active backend changed.
type Reason string

const (
	ReasonHealthCheckFailed Reason = "health-check-failed"
	ReasonAPIError          Reason = "api-error"
	ReasonTimeout           Reason = "timeout"
	ReasonRateLimited       Reason = "rate-limited"
	ReasonManualSwitch      Reason = "manual-switch"
	ReasonCostLimit         Reason = "cost-limit"
)

// historyLimit bounds the failover event ring; the oldest entry is evicted
// first.
const historyLimit = 100

// Event records one change of the active backend. Events are appended only
// when the active backend identity actually changes.
type Event struct {
	Time       time.Time `json:"time"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     Reason    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	RecoveryMs int64     `json:"recovery_ms"`
}

// Subscriber is notified after each failover. Collaborators use this to
// refresh derived configuration.
type Subscriber func(Event)
