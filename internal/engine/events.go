package engine

import "time"

const (
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventPositionFailed     = "position_failed"
	EventOpenFailed         = "open_failed"
	EventEmergencyClose     = "emergency_close"
	EventInvariantViolation = "invariant_violation"
)

// Event is a notable lifecycle transition pushed to the alert channel.
// The channel is bounded; under pressure events are dropped rather than
// blocking the loops.
type Event struct {
	Time       time.Time
	Kind       string
	PositionID string
	Message    string
}
