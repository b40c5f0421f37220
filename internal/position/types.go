package position

import (
	"time"

	"funding-arb-bot/internal/gateway"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusClosing   Status = "closing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Leg is one side of a hedged position on a specific venue.
type Leg struct {
	Venue      string
	Side       gateway.Side
	Quantity   float64
	EntryPrice float64
	OrderRef   string
}

func (l Leg) NotionalUSD(price float64) float64 {
	return l.Quantity * price
}

// HedgedPosition pairs a long and a short leg on the same instrument
// across two venues. Only the lifecycle manager mutates it; everything
// else sees value copies.
type HedgedPosition struct {
	ID                  string
	OpportunityID       string
	Instrument          string
	LongVenue           string
	ShortVenue          string
	LongLeg             Leg
	ShortLeg            Leg
	TargetNotionalUSD   float64
	FundingCollectedUSD float64
	UnrealizedPnlUSD    float64
	RealizedPnlUSD      float64
	Status              Status
	OpenedAt            time.Time
	ClosedAt            time.Time
	CloseReason         string
	Notes               []string

	// NeedsEmergencyClose is set when a rebalance left the hedge
	// lopsided; the next health check closes instead of rebalancing.
	NeedsEmergencyClose bool
}

func (p HedgedPosition) terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// nextStatus enforces the lifecycle: pending → active → closing →
// completed, with failed reachable from anywhere.
func nextStatus(current, proposed Status) Status {
	if proposed == StatusFailed {
		return StatusFailed
	}
	switch current {
	case StatusPending:
		if proposed == StatusActive {
			return proposed
		}
	case StatusActive:
		if proposed == StatusClosing {
			return proposed
		}
	case StatusClosing:
		if proposed == StatusCompleted {
			return proposed
		}
	}
	return current
}
