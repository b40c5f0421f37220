package position

import (
	"context"
	"fmt"
	"math"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/scanner"
	"funding-arb-bot/internal/sizing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderPlacer is the slice of the executor the manager needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error)
}

type HealthAction string

const (
	HealthNone            HealthAction = "none"
	HealthRebalanced      HealthAction = "rebalanced"
	HealthFlagged         HealthAction = "flagged_for_close"
	HealthEmergencyClosed HealthAction = "emergency_closed"
)

type HealthResult struct {
	PositionID    string
	Action        HealthAction
	DivergencePct float64
}

// Manager owns every position mutation. Opens are two-legged with
// compensation, health checks are serialized per position, and account
// totals are settled on open failure and close.
type Manager struct {
	cfg     config.EngineConfig
	gw      gateway.Client
	orders  OrderPlacer
	book    *Book
	account *sizing.Account
	log     *zap.Logger

	now func() time.Time
}

func NewManager(cfg config.EngineConfig, gw gateway.Client, orders OrderPlacer, book *Book, account *sizing.Account, log *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		gw:      gw,
		orders:  orders,
		book:    book,
		account: account,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Open converts the approved notional into two market orders, long leg
// first. A short-leg failure after the long fill triggers an immediate
// compensating close of the long leg; the engine never carries a
// one-legged position as active. The caller's notional reservation is
// released here on any failure.
func (m *Manager) Open(ctx context.Context, opp scanner.Opportunity, notionalUSD float64) (HedgedPosition, error) {
	longPrice, err := m.gw.Price(ctx, opp.LongVenue, opp.Instrument)
	if err != nil {
		m.account.Release(opp.Instrument, notionalUSD, 0)
		return HedgedPosition{}, fmt.Errorf("long price: %w", err)
	}
	shortPrice, err := m.gw.Price(ctx, opp.ShortVenue, opp.Instrument)
	if err != nil {
		m.account.Release(opp.Instrument, notionalUSD, 0)
		return HedgedPosition{}, fmt.Errorf("short price: %w", err)
	}

	id := uuid.NewString()
	longQty := notionalUSD / longPrice
	shortQty := notionalUSD / shortPrice

	longResult, err := m.orders.PlaceOrder(ctx, gateway.OrderRequest{
		Venue:         opp.LongVenue,
		Instrument:    opp.Instrument,
		Type:          gateway.OrderTypeMarket,
		Side:          gateway.SideBuy,
		Quantity:      longQty,
		ClientOrderID: "open-" + id + "-long",
	})
	if err != nil {
		m.account.Release(opp.Instrument, notionalUSD, 0)
		return HedgedPosition{}, fmt.Errorf("long leg order: %w", err)
	}

	shortResult, err := m.orders.PlaceOrder(ctx, gateway.OrderRequest{
		Venue:         opp.ShortVenue,
		Instrument:    opp.Instrument,
		Type:          gateway.OrderTypeMarket,
		Side:          gateway.SideSell,
		Quantity:      shortQty,
		ClientOrderID: "open-" + id + "-short",
	})
	if err != nil {
		pos := m.compensateLongLeg(ctx, id, opp, notionalUSD, longQty, longResult, err)
		m.account.Release(opp.Instrument, notionalUSD, 0)
		return pos, fmt.Errorf("short leg order: %w", err)
	}

	pos := HedgedPosition{
		ID:            id,
		OpportunityID: opp.ID,
		Instrument:    opp.Instrument,
		LongVenue:     opp.LongVenue,
		ShortVenue:    opp.ShortVenue,
		LongLeg: Leg{
			Venue:      opp.LongVenue,
			Side:       gateway.SideBuy,
			Quantity:   longQty,
			EntryPrice: filledOr(longResult.FilledPrice, longPrice),
			OrderRef:   longResult.ID,
		},
		ShortLeg: Leg{
			Venue:      opp.ShortVenue,
			Side:       gateway.SideSell,
			Quantity:   shortQty,
			EntryPrice: filledOr(shortResult.FilledPrice, shortPrice),
			OrderRef:   shortResult.ID,
		},
		TargetNotionalUSD: notionalUSD,
		Status:            StatusPending,
		OpenedAt:          m.now(),
	}
	pos.Status = nextStatus(pos.Status, StatusActive)
	m.book.add(pos)
	return pos, nil
}

// compensateLongLeg sells back a filled long leg after the short leg
// failed, then records the position as failed in history.
func (m *Manager) compensateLongLeg(ctx context.Context, id string, opp scanner.Opportunity, notionalUSD, longQty float64, longResult gateway.OrderResult, cause error) HedgedPosition {
	pos := HedgedPosition{
		ID:            id,
		OpportunityID: opp.ID,
		Instrument:    opp.Instrument,
		LongVenue:     opp.LongVenue,
		ShortVenue:    opp.ShortVenue,
		LongLeg: Leg{
			Venue:      opp.LongVenue,
			Side:       gateway.SideBuy,
			Quantity:   longQty,
			EntryPrice: longResult.FilledPrice,
			OrderRef:   longResult.ID,
		},
		TargetNotionalUSD: notionalUSD,
		Status:            StatusFailed,
		OpenedAt:          m.now(),
		ClosedAt:          m.now(),
		CloseReason:       "short leg failed during open",
		Notes:             []string{fmt.Sprintf("short leg order failed: %v", cause)},
	}
	_, err := m.orders.PlaceOrder(ctx, gateway.OrderRequest{
		Venue:         opp.LongVenue,
		Instrument:    opp.Instrument,
		Type:          gateway.OrderTypeMarket,
		Side:          gateway.SideSell,
		Quantity:      longQty,
		ClientOrderID: "comp-" + id + "-long",
	})
	if err != nil {
		pos.Notes = append(pos.Notes, fmt.Sprintf("long leg compensation failed, manual reconciliation required: %v", err))
		m.log.Error("long leg compensation failed", zap.String("position_id", id), zap.Error(err))
	} else {
		pos.Notes = append(pos.Notes, "long leg compensated")
	}
	m.book.recordFailed(pos)
	return pos
}

// CheckHealth measures cross-venue price divergence for one position
// and acts on it: emergency close past the strict threshold, rebalance
// past the soft one. Passes for the same id are serialized.
func (m *Manager) CheckHealth(ctx context.Context, id string) (HealthResult, error) {
	e, ok := m.book.get(id)
	if !ok {
		return HealthResult{}, ErrNotFound
	}
	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	snap := e.snapshot()
	if snap.terminal() {
		return HealthResult{PositionID: id, Action: HealthNone}, nil
	}
	longPrice, err := m.gw.Price(ctx, snap.LongVenue, snap.Instrument)
	if err != nil {
		return HealthResult{PositionID: id}, fmt.Errorf("long price: %w", err)
	}
	shortPrice, err := m.gw.Price(ctx, snap.ShortVenue, snap.Instrument)
	if err != nil {
		return HealthResult{PositionID: id}, fmt.Errorf("short price: %w", err)
	}
	mid := (longPrice + shortPrice) / 2
	divergencePct := math.Abs(longPrice-shortPrice) / mid * 100
	result := HealthResult{PositionID: id, Action: HealthNone, DivergencePct: divergencePct}

	if snap.NeedsEmergencyClose || divergencePct > m.cfg.EmergencyCloseThresholdPct {
		reason := fmt.Sprintf("price divergence %.2f%% beyond emergency threshold %.2f%%", divergencePct, m.cfg.EmergencyCloseThresholdPct)
		if snap.NeedsEmergencyClose {
			reason = "flagged after partial rebalance"
		}
		if err := m.closeEntry(ctx, e, reason); err != nil {
			result.Action = HealthEmergencyClosed
			return result, err
		}
		result.Action = HealthEmergencyClosed
		return result, nil
	}

	if divergencePct > m.cfg.RebalanceThresholdPct {
		action, err := m.rebalance(ctx, e, snap, longPrice, shortPrice)
		result.Action = action
		return result, err
	}
	return result, nil
}

// rebalance applies the policy's deltas as one logical operation. If
// the second leg's order fails after the first succeeded, the position
// is flagged for emergency close rather than left half-adjusted.
func (m *Manager) rebalance(ctx context.Context, e *entry, snap HedgedPosition, longPrice, shortPrice float64) (HealthAction, error) {
	adj := ProposeAdjustment(snap, longPrice, shortPrice, m.cfg.HedgeRatioTolerance)
	if adj.Empty() {
		return HealthNone, nil
	}
	if adj.LongDelta != 0 {
		if _, err := m.orders.PlaceOrder(ctx, adjustmentOrder(snap.LongVenue, snap.Instrument, adj.LongDelta, snap.ID, "long")); err != nil {
			return HealthNone, fmt.Errorf("long leg adjust: %w", err)
		}
	}
	if adj.ShortDelta != 0 {
		if _, err := m.orders.PlaceOrder(ctx, adjustmentOrder(snap.ShortVenue, snap.Instrument, adj.ShortDelta, snap.ID, "short")); err != nil {
			if adj.LongDelta != 0 {
				e.update(func(p *HedgedPosition) {
					p.LongLeg.Quantity += adj.LongDelta
					p.NeedsEmergencyClose = true
					p.Notes = append(p.Notes, fmt.Sprintf("partial rebalance: short leg adjust failed: %v", err))
				})
				return HealthFlagged, fmt.Errorf("short leg adjust after long applied: %w", err)
			}
			return HealthNone, fmt.Errorf("short leg adjust: %w", err)
		}
	}
	e.update(func(p *HedgedPosition) {
		p.LongLeg.Quantity += adj.LongDelta
		p.ShortLeg.Quantity += adj.ShortDelta
	})
	return HealthRebalanced, nil
}

// adjustmentOrder maps a signed quantity delta for a leg to the order
// that moves the leg toward its ideal size. For the long leg a
// positive delta buys; for the short leg a positive delta sells more.
func adjustmentOrder(venue, instrument string, delta float64, id, leg string) gateway.OrderRequest {
	side := gateway.SideBuy
	if leg == "short" {
		side = gateway.SideSell
	}
	if delta < 0 {
		if side == gateway.SideBuy {
			side = gateway.SideSell
		} else {
			side = gateway.SideBuy
		}
	}
	return gateway.OrderRequest{
		Venue:         venue,
		Instrument:    instrument,
		Type:          gateway.OrderTypeMarket,
		Side:          side,
		Quantity:      math.Abs(delta),
		ClientOrderID: fmt.Sprintf("rebal-%s-%s-%d", id, leg, time.Now().UTC().UnixMilli()),
	}
}

// AccrueFunding refreshes funding collected and unrealized PnL from
// gateway history. Skipped silently when the position is terminal.
func (m *Manager) AccrueFunding(ctx context.Context, id string) error {
	e, ok := m.book.get(id)
	if !ok {
		return ErrNotFound
	}
	snap := e.snapshot()
	if snap.terminal() {
		return nil
	}
	longPayments, err := m.gw.FundingPayments(ctx, snap.LongVenue, snap.Instrument, snap.OpenedAt)
	if err != nil {
		return fmt.Errorf("long funding: %w", err)
	}
	shortPayments, err := m.gw.FundingPayments(ctx, snap.ShortVenue, snap.Instrument, snap.OpenedAt)
	if err != nil {
		return fmt.Errorf("short funding: %w", err)
	}
	var collected float64
	for _, payment := range longPayments {
		collected += payment.Amount
	}
	for _, payment := range shortPayments {
		collected += payment.Amount
	}

	longPrice, errLong := m.gw.Price(ctx, snap.LongVenue, snap.Instrument)
	shortPrice, errShort := m.gw.Price(ctx, snap.ShortVenue, snap.Instrument)
	e.update(func(p *HedgedPosition) {
		p.FundingCollectedUSD = collected
		if errLong == nil && errShort == nil {
			legPnl := (longPrice-p.LongLeg.EntryPrice)*p.LongLeg.Quantity +
				(p.ShortLeg.EntryPrice-shortPrice)*p.ShortLeg.Quantity
			p.UnrealizedPnlUSD = legPnl + collected
		}
	})
	return nil
}

// Close unwinds both legs and retires the position to history. It is
// safe to call concurrently with health checks; the per-position guard
// serializes them.
func (m *Manager) Close(ctx context.Context, id, reason string) error {
	e, ok := m.book.get(id)
	if !ok {
		return ErrNotFound
	}
	e.checkMu.Lock()
	defer e.checkMu.Unlock()
	return m.closeEntry(ctx, e, reason)
}

func (m *Manager) closeEntry(ctx context.Context, e *entry, reason string) error {
	snap := e.update(func(p *HedgedPosition) {
		p.Status = nextStatus(p.Status, StatusClosing)
		p.CloseReason = reason
	})
	if snap.Status != StatusClosing {
		return nil
	}

	longResult, err := m.orders.PlaceOrder(ctx, gateway.OrderRequest{
		Venue:         snap.LongVenue,
		Instrument:    snap.Instrument,
		Type:          gateway.OrderTypeMarket,
		Side:          gateway.SideSell,
		Quantity:      snap.LongLeg.Quantity,
		ClientOrderID: "close-" + snap.ID + "-long",
	})
	if err != nil {
		m.failClose(e, fmt.Sprintf("long leg close failed: %v; legs unchanged, manual reconciliation required", err))
		return fmt.Errorf("long leg close: %w", err)
	}
	shortResult, err := m.orders.PlaceOrder(ctx, gateway.OrderRequest{
		Venue:         snap.ShortVenue,
		Instrument:    snap.Instrument,
		Type:          gateway.OrderTypeMarket,
		Side:          gateway.SideBuy,
		Quantity:      snap.ShortLeg.Quantity,
		ClientOrderID: "close-" + snap.ID + "-short",
	})
	if err != nil {
		m.failClose(e, fmt.Sprintf("short leg close failed after long leg closed at %.4f: %v; manual reconciliation required", longResult.FilledPrice, err))
		return fmt.Errorf("short leg close: %w", err)
	}

	realized := (longResult.FilledPrice-snap.LongLeg.EntryPrice)*snap.LongLeg.Quantity +
		(snap.ShortLeg.EntryPrice-shortResult.FilledPrice)*snap.ShortLeg.Quantity +
		snap.FundingCollectedUSD
	final := e.update(func(p *HedgedPosition) {
		p.Status = nextStatus(p.Status, StatusCompleted)
		p.ClosedAt = m.now()
		p.RealizedPnlUSD = realized
		p.UnrealizedPnlUSD = 0
	})
	m.book.retire(final.ID)
	m.account.Release(final.Instrument, final.TargetNotionalUSD, realized)
	m.log.Info("position closed",
		zap.String("position_id", final.ID),
		zap.String("instrument", final.Instrument),
		zap.String("reason", reason),
		zap.Float64("realized_pnl_usd", realized),
	)
	return nil
}

// failClose records a close failure with last-known leg state. The
// outcome of unconfirmed orders is never guessed; exposure is released
// with zero PnL and the notes carry what is known.
func (m *Manager) failClose(e *entry, note string) {
	final := e.update(func(p *HedgedPosition) {
		p.Status = nextStatus(p.Status, StatusFailed)
		p.ClosedAt = m.now()
		p.Notes = append(p.Notes, note,
			fmt.Sprintf("last known legs: long %s %.6f@%.4f, short %s %.6f@%.4f",
				p.LongLeg.Venue, p.LongLeg.Quantity, p.LongLeg.EntryPrice,
				p.ShortLeg.Venue, p.ShortLeg.Quantity, p.ShortLeg.EntryPrice))
	})
	m.book.retire(final.ID)
	m.account.Release(final.Instrument, final.TargetNotionalUSD, 0)
}

// Resume reinstates a persisted active position after restart.
func (m *Manager) Resume(pos HedgedPosition) {
	pos.Status = StatusActive
	m.book.add(pos)
}

func filledOr(filled, fallback float64) float64 {
	if filled > 0 {
		return filled
	}
	return fallback
}
