package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"funding-arb-bot/internal/gateway"

	"go.uber.org/zap"
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

type mockClient struct {
	mu       sync.Mutex
	calls    int
	failures int
	failWith error
	orderID  string
}

func (m *mockClient) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	_ = ctx
	_ = req
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return gateway.OrderResult{}, m.failWith
	}
	return gateway.OrderResult{ID: m.orderID, FilledPrice: 100}, nil
}

func (m *mockClient) FundingRate(ctx context.Context, venue, instrument string) (gateway.FundingRateSample, error) {
	return gateway.FundingRateSample{}, nil
}

func (m *mockClient) HistoricalFundingRates(ctx context.Context, venue, instrument string, hours int) ([]gateway.FundingRateSample, error) {
	return nil, nil
}

func (m *mockClient) Price(ctx context.Context, venue, instrument string) (float64, error) {
	return 0, nil
}

func (m *mockClient) FundingPayments(ctx context.Context, venue, instrument string, since time.Time) ([]gateway.FundingPayment, error) {
	return nil, nil
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func marketOrder(cloid string) gateway.OrderRequest {
	return gateway.OrderRequest{
		Venue:         "alpha",
		Instrument:    "BTC-PERP",
		Type:          gateway.OrderTypeMarket,
		Side:          gateway.SideBuy,
		Quantity:      1,
		ClientOrderID: cloid,
	}
}

func TestPlaceOrderRetriesTransientFailures(t *testing.T) {
	client := &mockClient{failures: 2, failWith: gateway.Transient(errors.New("timeout")), orderID: "order-1"}
	executor := New(client, newMemoryStore(), zap.NewNop())

	result, err := executor.PlaceOrder(context.Background(), marketOrder("cloid-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ID != "order-1" {
		t.Fatalf("expected order-1, got %s", result.ID)
	}
	if got := client.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestPlaceOrderDoesNotRetryPermanentFailures(t *testing.T) {
	client := &mockClient{failures: 10, failWith: gateway.Permanent(errors.New("rejected"))}
	executor := New(client, newMemoryStore(), zap.NewNop())

	if _, err := executor.PlaceOrder(context.Background(), marketOrder("cloid-1")); err == nil {
		t.Fatalf("expected error")
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestPlaceOrderExhaustsRetries(t *testing.T) {
	client := &mockClient{failures: 100, failWith: gateway.Transient(errors.New("still down"))}
	executor := New(client, newMemoryStore(), zap.NewNop())

	if _, err := executor.PlaceOrder(context.Background(), marketOrder("")); err == nil {
		t.Fatalf("expected retry exhaustion")
	}
	if got := client.callCount(); got != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, got)
	}
}

func TestPlaceOrderIdempotentByClientOrderID(t *testing.T) {
	client := &mockClient{orderID: "order-7"}
	executor := New(client, newMemoryStore(), zap.NewNop())

	first, err := executor.PlaceOrder(context.Background(), marketOrder("cloid-7"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := executor.PlaceOrder(context.Background(), marketOrder("cloid-7"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical results, got %s vs %s", first.ID, second.ID)
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("expected a single venue call, got %d", got)
	}
}

func TestPlaceOrderIdempotencySurvivesRestart(t *testing.T) {
	store := newMemoryStore()
	client := &mockClient{orderID: "order-9"}
	executor := New(client, store, zap.NewNop())
	if _, err := executor.PlaceOrder(context.Background(), marketOrder("cloid-9")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A fresh executor over the same store must replay from the store,
	// not the venue.
	replay := New(client, store, zap.NewNop())
	result, err := replay.PlaceOrder(context.Background(), marketOrder("cloid-9"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ID != "order-9" {
		t.Fatalf("expected persisted order id, got %s", result.ID)
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("expected no duplicate venue call, got %d", got)
	}
}

func TestPlaceOrderContextCancelledDuringBackoff(t *testing.T) {
	client := &mockClient{failures: 100, failWith: gateway.Transient(errors.New("down"))}
	executor := New(client, newMemoryStore(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := executor.PlaceOrder(ctx, marketOrder("")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
