package engine

import (
	"time"

	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/scanner"
	"funding-arb-bot/internal/sizing"
)

// Statistics aggregates lifetime results across the position history.
type Statistics struct {
	ActivePositions     int
	CompletedPositions  int
	FailedPositions     int
	TotalPnlUSD         float64
	FundingCollectedUSD float64
	SuccessRate         float64
	AvgHoldDuration     time.Duration
}

func (e *Engine) ActivePositions() []position.HedgedPosition {
	return e.book.Active()
}

func (e *Engine) CompletedPositions() []position.HedgedPosition {
	return e.book.Completed()
}

func (e *Engine) Opportunities() []scanner.Opportunity {
	return e.scanner.Pending()
}

func (e *Engine) Account() sizing.AccountSnapshot {
	e.mu.Lock()
	account := e.account
	e.mu.Unlock()
	if account == nil {
		return sizing.AccountSnapshot{}
	}
	return account.Snapshot()
}

// Statistics walks history once; success rate counts completed closes
// against all finished positions, hold duration averages completed
// positions only.
func (e *Engine) Statistics() Statistics {
	stats := Statistics{ActivePositions: len(e.book.ActiveIDs())}
	var holdTotal time.Duration
	for _, pos := range e.book.Completed() {
		stats.TotalPnlUSD += pos.RealizedPnlUSD
		stats.FundingCollectedUSD += pos.FundingCollectedUSD
		if pos.Status == position.StatusFailed {
			stats.FailedPositions++
			continue
		}
		stats.CompletedPositions++
		if pos.ClosedAt.After(pos.OpenedAt) {
			holdTotal += pos.ClosedAt.Sub(pos.OpenedAt)
		}
	}
	finished := stats.CompletedPositions + stats.FailedPositions
	if finished > 0 {
		stats.SuccessRate = float64(stats.CompletedPositions) / float64(finished)
	}
	if stats.CompletedPositions > 0 {
		stats.AvgHoldDuration = holdTotal / time.Duration(stats.CompletedPositions)
	}
	return stats
}
