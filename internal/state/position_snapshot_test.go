package state

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func TestSaveAndLoadActivePositions(t *testing.T) {
	store := newMemoryStore()
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snapshots := []PositionSnapshot{
		{
			ID:                  "pos-1",
			OpportunityID:       "opp-1",
			Instrument:          "BTC-PERP",
			LongLeg:             LegSnapshot{Venue: "alpha", Side: "buy", Quantity: 10, EntryPrice: 100, OrderRef: "ord-1"},
			ShortLeg:            LegSnapshot{Venue: "beta", Side: "sell", Quantity: 10, EntryPrice: 100.2, OrderRef: "ord-2"},
			TargetNotionalUSD:   1000,
			FundingCollectedUSD: 3.25,
			OpenedAt:            opened,
			SavedAt:             opened.Add(time.Hour),
		},
	}
	if err := SaveActivePositions(context.Background(), store, snapshots); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := LoadActivePositions(context.Background(), store)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != "pos-1" || got.Instrument != "BTC-PERP" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.LongLeg.Venue != "alpha" || got.ShortLeg.EntryPrice != 100.2 {
		t.Fatalf("legs not preserved: %+v", got)
	}
	if !got.OpenedAt.Equal(opened) {
		t.Fatalf("expected opened at %v, got %v", opened, got.OpenedAt)
	}
}

func TestSaveEmptyClearsKey(t *testing.T) {
	store := newMemoryStore()
	if err := SaveActivePositions(context.Background(), store, []PositionSnapshot{{ID: "pos-1"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := SaveActivePositions(context.Background(), store, nil); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	loaded, err := LoadActivePositions(context.Background(), store)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no snapshots after clear, got %d", len(loaded))
	}
}

func TestLoadMissingKeyReturnsNothing(t *testing.T) {
	loaded, err := LoadActivePositions(context.Background(), newMemoryStore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil snapshots, got %v", loaded)
	}
}
