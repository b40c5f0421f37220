package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/state"

	"go.uber.org/zap"
)

const (
	maxAttempts    = 5
	initialBackoff = 200 * time.Millisecond
)

// Executor places orders through the gateway with bounded retry on
// transient failures. Orders carrying a client order id are idempotent:
// a replayed placement returns the cached result instead of sending a
// duplicate to the venue.
type Executor struct {
	client gateway.Client
	store  state.Store
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]gateway.OrderResult
}

func New(client gateway.Client, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		client: client,
		store:  store,
		log:    log,
		cache:  make(map[string]gateway.OrderResult),
	}
}

func (e *Executor) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + req.ClientOrderID
	e.mu.Lock()
	if result, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return result, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if raw, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return gateway.OrderResult{}, err
		} else if ok {
			result := gateway.OrderResult{ID: raw}
			e.mu.Lock()
			e.cache[cacheKey] = result
			e.mu.Unlock()
			return result, nil
		}
	}
	result, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return gateway.OrderResult{}, err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, result.ID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = result
	e.mu.Unlock()
	return result, nil
}

func (e *Executor) placeWithRetry(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	var result gateway.OrderResult
	err := e.retry(ctx, func() error {
		var err error
		result, err = e.client.CreateOrder(ctx, req)
		return err
	})
	if err != nil {
		return gateway.OrderResult{}, err
	}
	if result.ID == "" {
		return gateway.OrderResult{}, errors.New("empty order id")
	}
	return result, nil
}

// retry backs off exponentially on transient errors only; permanent
// gateway errors surface immediately.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !gateway.IsTransient(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return fmt.Errorf("retry exhausted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
