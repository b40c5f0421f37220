package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/sizing"
	"funding-arb-bot/internal/state"

	"go.uber.org/zap"
)

type memoryStore struct {
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type stubClient struct {
	price float64
}

func (s stubClient) Price(ctx context.Context, venue, instrument string) (float64, error) {
	return s.price, nil
}

func (s stubClient) FundingRate(ctx context.Context, venue, instrument string) (gateway.FundingRateSample, error) {
	return gateway.FundingRateSample{}, gateway.ErrDataUnavailable
}

func (s stubClient) HistoricalFundingRates(ctx context.Context, venue, instrument string, hours int) ([]gateway.FundingRateSample, error) {
	return nil, nil
}

func (s stubClient) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return gateway.OrderResult{ID: "ord-" + req.ClientOrderID, FilledPrice: s.price}, nil
}

func (s stubClient) FundingPayments(ctx context.Context, venue, instrument string, since time.Time) ([]gateway.FundingPayment, error) {
	return nil, nil
}

type stubPlacer struct {
	client stubClient
}

func (s stubPlacer) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	return s.client.CreateOrder(ctx, req)
}

func resumedPosition(id string, opened time.Time) position.HedgedPosition {
	return position.HedgedPosition{
		ID:                  id,
		OpportunityID:       "opp-" + id,
		Instrument:          "BTC-PERP",
		LongVenue:           "alpha",
		ShortVenue:          "beta",
		LongLeg:             position.Leg{Venue: "alpha", Side: gateway.SideBuy, Quantity: 10, EntryPrice: 100, OrderRef: "ord-l"},
		ShortLeg:            position.Leg{Venue: "beta", Side: gateway.SideSell, Quantity: 10, EntryPrice: 100, OrderRef: "ord-s"},
		TargetNotionalUSD:   1000,
		FundingCollectedUSD: 5,
		Status:              position.StatusActive,
		OpenedAt:            opened,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := resumedPosition("pos-1", opened)

	snap := toSnapshot(original, opened.Add(2*time.Hour))
	restored := fromSnapshot(snap)

	if restored.ID != original.ID || restored.Instrument != original.Instrument {
		t.Fatalf("identity not preserved: %+v", restored)
	}
	if restored.LongVenue != "alpha" || restored.ShortVenue != "beta" {
		t.Fatalf("venues not preserved: %+v", restored)
	}
	if restored.LongLeg != original.LongLeg || restored.ShortLeg != original.ShortLeg {
		t.Fatalf("legs not preserved: %+v vs %+v", restored.LongLeg, original.LongLeg)
	}
	if restored.FundingCollectedUSD != 5 || restored.TargetNotionalUSD != 1000 {
		t.Fatalf("totals not preserved: %+v", restored)
	}
	if restored.Status != position.StatusActive {
		t.Fatalf("resumed positions must come back active, got %s", restored.Status)
	}
	if !restored.OpenedAt.Equal(opened) {
		t.Fatalf("opened at not preserved: %v", restored.OpenedAt)
	}
}

func TestSnapshotSurvivesStateStore(t *testing.T) {
	store := newMemoryStore()
	opened := time.Now().UTC().Add(-time.Hour)
	snap := toSnapshot(resumedPosition("pos-1", opened), time.Now().UTC())

	if err := state.SaveActivePositions(context.Background(), store, []state.PositionSnapshot{snap}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := state.LoadActivePositions(context.Background(), store)
	if err != nil || len(loaded) != 1 {
		t.Fatalf("load failed: %v (%d)", err, len(loaded))
	}
	restored := fromSnapshot(loaded[0])
	if restored.ID != "pos-1" || restored.LongLeg.Quantity != 10 {
		t.Fatalf("round trip through store lost data: %+v", restored)
	}
}

func TestStatisticsAggregateHistory(t *testing.T) {
	cfg := config.EngineConfig{
		RebalanceThresholdPct:      2,
		EmergencyCloseThresholdPct: 5,
		HedgeRatioTolerance:        0.02,
	}
	client := stubClient{price: 100}
	book := position.NewBook()
	account := sizing.NewAccount("acct", 10000)
	manager := position.NewManager(cfg, client, stubPlacer{client}, book, account, zap.NewNop())

	e := &Engine{book: book, events: make(chan Event, 4)}
	e.manager = manager

	opened := time.Now().UTC().Add(-2 * time.Hour)
	manager.Resume(resumedPosition("pos-1", opened))
	account.Restore("BTC-PERP", 1000)
	if err := manager.Close(context.Background(), "pos-1", "target reached"); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	stats := e.Statistics()
	if stats.CompletedPositions != 1 || stats.FailedPositions != 0 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	// Legs entered and exited at 100, so realized pnl is the funding.
	if math.Abs(stats.TotalPnlUSD-5) > 1e-9 {
		t.Fatalf("expected total pnl 5, got %v", stats.TotalPnlUSD)
	}
	if stats.SuccessRate != 1 {
		t.Fatalf("expected success rate 1, got %v", stats.SuccessRate)
	}
	if stats.AvgHoldDuration < time.Hour {
		t.Fatalf("expected hold duration of roughly two hours, got %v", stats.AvgHoldDuration)
	}
	if stats.ActivePositions != 0 {
		t.Fatalf("expected no active positions, got %d", stats.ActivePositions)
	}
}

func TestEmitDropsWhenChannelFull(t *testing.T) {
	e := &Engine{events: make(chan Event, 1)}
	e.emit(Event{Kind: EventPositionOpened})
	e.emit(Event{Kind: EventPositionClosed})
	if len(e.events) != 1 {
		t.Fatalf("expected the second event to be dropped, got %d queued", len(e.events))
	}
	queued := <-e.events
	if queued.Kind != EventPositionOpened {
		t.Fatalf("expected first event kept, got %s", queued.Kind)
	}
	if queued.Time.IsZero() {
		t.Fatalf("expected emit to stamp the event time")
	}
}
