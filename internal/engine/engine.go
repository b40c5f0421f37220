package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/gateway/ws"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/registry"
	"funding-arb-bot/internal/scanner"
	"funding-arb-bot/internal/sizing"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/state/sqlite"
	"funding-arb-bot/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const healthCheckConcurrency = 4

// Engine wires discovery, sizing, and position lifecycle together and
// drives them from two independent periodic loops.
type Engine struct {
	cfg      *config.Config
	log      *zap.Logger
	gw       gateway.Client
	registry *registry.Registry
	scanner  *scanner.Scanner
	executor *exec.Executor
	book     *position.Book
	store    state.Store
	metrics  *metrics.Metrics
	alerts   *alerts.Telegram
	tsdb     *timescale.Writer
	feeds    []*ws.Client

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	account    *sizing.Account
	sizer      *sizing.Sizer
	manager    *position.Manager
	events     chan Event
	historyCut int
}

func New(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	gw := gateway.NewRESTClient(cfg.Gateway, log)
	reg := registry.New(cfg.Engine.RetentionWindow, cfg.Engine.MinHistorySamples)
	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
	}
	met := metrics.NewNoop()
	var feeds []*ws.Client
	for _, venue := range cfg.Gateway.Venues {
		if venue.WSURL == "" {
			continue
		}
		feeds = append(feeds, ws.New(venue.Name, venue.WSURL, cfg.Gateway.ReconnectDelay, cfg.Gateway.PingInterval, log))
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		gw:       gw,
		registry: reg,
		scanner:  scanner.New(cfg.Engine, reg, log),
		executor: exec.New(gw, store, log),
		book:     position.NewBook(),
		store:    store,
		metrics:  met,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		tsdb:     tsdb,
		feeds:    feeds,
		events:   make(chan Event, 64),
	}, nil
}

// UseMetrics swaps in a live metrics set, e.g. the Prometheus one.
func (e *Engine) UseMetrics(m *metrics.Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// Start brings up feeds, resumes persisted positions, and launches the
// scan and health-check loops. The loops stop when ctx is cancelled or
// Stop is called.
func (e *Engine) Start(ctx context.Context, accountID string, balanceUSD float64) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.account = sizing.NewAccount(accountID, balanceUSD)
	e.sizer = sizing.NewSizer(e.cfg.Engine, e.account)
	e.manager = position.NewManager(e.cfg.Engine, e.gw, e.executor, e.book, e.account, e.log)
	e.mu.Unlock()

	if err := e.resumePositions(runCtx); err != nil {
		e.log.Warn("position resume failed", zap.Error(err))
	}
	e.tsdb.Start(runCtx)

	for _, feed := range e.feeds {
		feed := feed
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for _, instrument := range e.cfg.Engine.TargetInstruments {
				_ = feed.SubscribeFunding(runCtx, instrument)
			}
			if err := feed.Run(runCtx, e.ingestSample); err != nil && runCtx.Err() == nil {
				e.log.Warn("funding feed stopped", zap.Error(err))
			}
		}()
	}

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.scanLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.healthLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.eventLoop(runCtx)
	}()

	e.log.Info("engine started",
		zap.String("account_id", accountID),
		zap.Float64("balance_usd", balanceUSD),
		zap.Strings("instruments", e.cfg.Engine.TargetInstruments),
		zap.Strings("venues", e.cfg.Engine.TargetVenues),
	)
	return nil
}

// Stop cancels the periodic loops, then drains: every active position
// gets a close attempt within the shutdown grace period, and whatever
// cannot be closed is persisted as active for resumption.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), e.cfg.Engine.ShutdownGrace)
	defer drainCancel()
	e.drain(drainCtx)
	e.flushHistory()
	_ = e.tsdb.Close()
	return e.store.Close()
}

func (e *Engine) drain(ctx context.Context) {
	ids := e.book.ActiveIDs()
	if len(ids) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(healthCheckConcurrency)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				if err := e.manager.Close(gctx, id, "engine shutdown"); err != nil {
					e.log.Warn("shutdown close failed", zap.String("position_id", id), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	remaining := e.book.Active()
	snapshots := make([]state.PositionSnapshot, 0, len(remaining))
	now := time.Now().UTC()
	for _, pos := range remaining {
		snapshots = append(snapshots, toSnapshot(pos, now))
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := state.SaveActivePositions(saveCtx, e.store, snapshots); err != nil {
		e.log.Error("failed to persist active positions", zap.Error(err))
	}
	if len(snapshots) > 0 {
		e.log.Warn("positions persisted as active for resumption", zap.Int("count", len(snapshots)))
	}
}

func (e *Engine) resumePositions(ctx context.Context) error {
	snapshots, err := state.LoadActivePositions(ctx, e.store)
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		pos := fromSnapshot(snap)
		e.manager.Resume(pos)
		e.account.Restore(pos.Instrument, pos.TargetNotionalUSD)
		e.log.Info("resumed position", zap.String("position_id", pos.ID), zap.String("instrument", pos.Instrument))
	}
	if len(snapshots) > 0 {
		return state.SaveActivePositions(ctx, e.store, nil)
	}
	return nil
}

// ingestSample is the feed handler: registry first, history second.
func (e *Engine) ingestSample(sample gateway.FundingRateSample) {
	e.registry.Record(sample)
	e.tsdb.EnqueueFunding(timescale.FundingRow{
		Time:       sample.ObservedAt,
		Venue:      sample.Venue,
		Instrument: sample.Instrument,
		HourlyRate: sample.HourlyRate,
	})
}

func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.ScanInterval)
	defer ticker.Stop()
	e.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context) {
	e.refreshRates(ctx)
	e.scanner.ExpireStale()
	for _, instrument := range e.cfg.Engine.TargetInstruments {
		opportunities := e.scanner.Scan(instrument)
		if len(opportunities) == 0 {
			continue
		}
		for range opportunities {
			e.metrics.OpportunitiesFound.Inc()
		}
		// Best pair per instrument only; the rest stay pending for
		// the next cycle.
		best := opportunities[0]
		e.tryOpen(ctx, best)
	}
}

// refreshRates polls current funding on every monitored market so scans
// work even when a venue offers no websocket feed.
func (e *Engine) refreshRates(ctx context.Context) {
	for _, venue := range e.cfg.Engine.TargetVenues {
		for _, instrument := range e.cfg.Engine.TargetInstruments {
			sample, err := e.gw.FundingRate(ctx, venue, instrument)
			if err != nil {
				if errors.Is(err, gateway.ErrDataUnavailable) {
					e.log.Debug("funding rate unavailable", zap.String("venue", venue), zap.String("instrument", instrument))
				} else {
					e.log.Warn("funding rate fetch failed", zap.String("venue", venue), zap.String("instrument", instrument), zap.Error(err))
				}
				continue
			}
			e.ingestSample(sample)
		}
	}
}

func (e *Engine) tryOpen(ctx context.Context, opp scanner.Opportunity) {
	notional, err := e.sizer.Size(opp)
	if err != nil {
		e.log.Debug("opportunity rejected by sizer",
			zap.String("opportunity_id", opp.ID),
			zap.String("instrument", opp.Instrument),
			zap.Error(err),
		)
		return
	}
	pos, err := e.manager.Open(ctx, opp, notional)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.scanner.MarkFailed(opp.ID)
		e.emit(Event{Kind: EventOpenFailed, PositionID: pos.ID, Message: fmt.Sprintf("open %s failed: %v", opp.Instrument, err)})
		e.log.Warn("position open failed", zap.String("instrument", opp.Instrument), zap.Error(err))
		return
	}
	e.metrics.PositionsOpened.Inc()
	e.metrics.OrdersPlaced.Inc()
	e.scanner.MarkActive(opp.ID)
	e.emit(Event{Kind: EventPositionOpened, PositionID: pos.ID,
		Message: fmt.Sprintf("opened %s long %s / short %s, notional %.2f USD", pos.Instrument, pos.LongVenue, pos.ShortVenue, notional)})
	e.log.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("instrument", pos.Instrument),
		zap.String("long_venue", pos.LongVenue),
		zap.String("short_venue", pos.ShortVenue),
		zap.Float64("notional_usd", notional),
	)
}

func (e *Engine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkAll(ctx)
			e.flushHistory()
		}
	}
}

// checkAll runs accrual and a health check for every live position.
// One position's failure never stops the others.
func (e *Engine) checkAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckConcurrency)
	for _, id := range e.book.ActiveIDs() {
		id := id
		g.Go(func() error {
			if err := e.manager.AccrueFunding(gctx, id); err != nil && !errors.Is(err, position.ErrNotFound) {
				e.log.Warn("funding accrual failed", zap.String("position_id", id), zap.Error(err))
			}
			result, err := e.manager.CheckHealth(gctx, id)
			if err != nil && !errors.Is(err, position.ErrNotFound) {
				e.log.Warn("health check failed", zap.String("position_id", id), zap.Error(err))
			}
			switch result.Action {
			case position.HealthRebalanced:
				e.metrics.Rebalances.Inc()
				e.log.Info("position rebalanced", zap.String("position_id", id), zap.Float64("divergence_pct", result.DivergencePct))
			case position.HealthFlagged:
				e.emit(Event{Kind: EventInvariantViolation, PositionID: id,
					Message: fmt.Sprintf("partial rebalance on %s, emergency close pending", id)})
			case position.HealthEmergencyClosed:
				e.metrics.EmergencyCloses.Inc()
				e.emit(Event{Kind: EventEmergencyClose, PositionID: id,
					Message: fmt.Sprintf("emergency close at %.2f%% divergence", result.DivergencePct)})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// flushHistory publishes positions newly moved to history: metrics,
// events, and timescale rows.
func (e *Engine) flushHistory() {
	completed := e.book.Completed()
	e.mu.Lock()
	start := e.historyCut
	e.historyCut = len(completed)
	e.mu.Unlock()
	for _, pos := range completed[start:] {
		row := timescale.PositionRow{
			Time:                time.Now().UTC(),
			PositionID:          pos.ID,
			Instrument:          pos.Instrument,
			LongVenue:           pos.LongVenue,
			ShortVenue:          pos.ShortVenue,
			Status:              string(pos.Status),
			TargetNotionalUSD:   pos.TargetNotionalUSD,
			FundingCollectedUSD: pos.FundingCollectedUSD,
			RealizedPnlUSD:      pos.RealizedPnlUSD,
			CloseReason:         pos.CloseReason,
			OpenedAt:            pos.OpenedAt,
			ClosedAt:            pos.ClosedAt,
		}
		e.tsdb.EnqueuePosition(row)
		if pos.Status == position.StatusFailed {
			e.metrics.PositionsFailed.Inc()
			e.emit(Event{Kind: EventPositionFailed, PositionID: pos.ID,
				Message: fmt.Sprintf("position %s on %s failed: %s", pos.ID, pos.Instrument, pos.CloseReason)})
		} else {
			e.metrics.PositionsClosed.Inc()
			e.emit(Event{Kind: EventPositionClosed, PositionID: pos.ID,
				Message: fmt.Sprintf("closed %s, realized %.2f USD (%s)", pos.Instrument, pos.RealizedPnlUSD, pos.CloseReason)})
		}
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			if err := e.alerts.Send(ctx, event.Message); err != nil {
				e.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) emit(event Event) {
	event.Time = time.Now().UTC()
	select {
	case e.events <- event:
	default:
	}
}

func toSnapshot(pos position.HedgedPosition, now time.Time) state.PositionSnapshot {
	return state.PositionSnapshot{
		ID:                  pos.ID,
		OpportunityID:       pos.OpportunityID,
		Instrument:          pos.Instrument,
		LongLeg:             toLegSnapshot(pos.LongLeg),
		ShortLeg:            toLegSnapshot(pos.ShortLeg),
		TargetNotionalUSD:   pos.TargetNotionalUSD,
		FundingCollectedUSD: pos.FundingCollectedUSD,
		OpenedAt:            pos.OpenedAt,
		SavedAt:             now,
	}
}

func toLegSnapshot(leg position.Leg) state.LegSnapshot {
	return state.LegSnapshot{
		Venue:      leg.Venue,
		Side:       string(leg.Side),
		Quantity:   leg.Quantity,
		EntryPrice: leg.EntryPrice,
		OrderRef:   leg.OrderRef,
	}
}

func fromSnapshot(snap state.PositionSnapshot) position.HedgedPosition {
	return position.HedgedPosition{
		ID:                  snap.ID,
		OpportunityID:       snap.OpportunityID,
		Instrument:          snap.Instrument,
		LongVenue:           snap.LongLeg.Venue,
		ShortVenue:          snap.ShortLeg.Venue,
		LongLeg:             fromLegSnapshot(snap.LongLeg),
		ShortLeg:            fromLegSnapshot(snap.ShortLeg),
		TargetNotionalUSD:   snap.TargetNotionalUSD,
		FundingCollectedUSD: snap.FundingCollectedUSD,
		Status:              position.StatusActive,
		OpenedAt:            snap.OpenedAt,
	}
}

func fromLegSnapshot(snap state.LegSnapshot) position.Leg {
	return position.Leg{
		Venue:      snap.Venue,
		Side:       gateway.Side(snap.Side),
		Quantity:   snap.Quantity,
		EntryPrice: snap.EntryPrice,
		OrderRef:   snap.OrderRef,
	}
}
