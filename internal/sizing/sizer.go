package sizing

import (
	"errors"
	"math"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/scanner"
)

var (
	ErrBalanceTooLow    = errors.New("account balance below minimum position size")
	ErrMaxPositions     = errors.New("total open position limit reached")
	ErrMaxPerInstrument = errors.New("per-instrument position limit reached")
	ErrExposureCeiling  = errors.New("total exposure ceiling reached")
	ErrBelowMinSize     = errors.New("candidate size below minimum position size")
)

// Sizer turns a qualifying opportunity into a bounded notional. A
// successful Size reserves balance and exposure in the same critical
// section as the limit checks; callers must Release on close or on a
// failed open.
type Sizer struct {
	cfg     config.EngineConfig
	account *Account
}

func NewSizer(cfg config.EngineConfig, account *Account) *Sizer {
	return &Sizer{cfg: cfg, account: account}
}

// Size validates risk limits and, when they pass, reserves the
// resulting notional against the account. Each limit is checked
// independently so the caller sees the specific rejection reason.
func (s *Sizer) Size(opp scanner.Opportunity) (float64, error) {
	a := s.account
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balanceUSD < s.cfg.MinPositionSizeUSD {
		return 0, ErrBalanceTooLow
	}
	if a.openTotal >= s.cfg.MaxTotalPositions {
		return 0, ErrMaxPositions
	}
	if a.openByInstrument[opp.Instrument] >= s.cfg.MaxPositionsPerInstrument {
		return 0, ErrMaxPerInstrument
	}
	remaining := s.cfg.MaxTotalExposureUSD - a.exposureUSD
	if remaining <= 0 {
		return 0, ErrExposureCeiling
	}
	notional := math.Min(s.cfg.MaxPositionSizeUSD, a.balanceUSD*s.cfg.BalanceFraction)
	notional = math.Min(notional, remaining)
	if notional < s.cfg.MinPositionSizeUSD {
		return 0, ErrBelowMinSize
	}

	a.exposureUSD += notional
	a.openTotal++
	a.openByInstrument[opp.Instrument]++
	return notional, nil
}

// Release undoes a reservation, optionally applying realized PnL.
func (s *Sizer) Release(instrument string, notionalUSD, realizedPnlUSD float64) {
	s.account.Release(instrument, notionalUSD, realizedPnlUSD)
}
