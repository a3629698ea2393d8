package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/idempotency"
	"github.com/glimte/shelfbridge/internal/reliability"
)

// ErrIdempotencyUnavailable wraps every failure to reach the idempotency store
var ErrIdempotencyUnavailable = errors.New("idempotency store unavailable")

// guardedStore bounds each store call with a timeout and fails fast while
// the breaker is open.
type guardedStore struct {
	store   idempotency.Store
	breaker *reliability.CircuitBreaker
	timeout time.Duration
}

// breakerLog reports idempotency circuit transitions
type breakerLog struct {
	logger *slog.Logger
}

func (b breakerLog) OnStateChange(name string, from, to reliability.State, reason string) {
	level := slog.LevelInfo
	if to == reliability.StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}

func (g *guardedStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdempotencyUnavailable, err)
	}
	return nil
}

func (g *guardedStore) reserve(ctx context.Context, key, owner string, ttl time.Duration) (duplicate bool, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		var err error
		duplicate, err = g.store.Reserve(ctx, key, owner, ttl)
		return err
	})
	return duplicate, err
}

func (g *guardedStore) resume(ctx context.Context, key, owner string, ttl time.Duration) (duplicate bool, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		var err error
		duplicate, err = g.store.Resume(ctx, key, owner, ttl)
		return err
	})
	return duplicate, err
}

func (g *guardedStore) release(ctx context.Context, key, owner string) error {
	return g.do(ctx, func(ctx context.Context) error {
		return g.store.Release(ctx, key, owner)
	})
}

func (g *guardedStore) cached(ctx context.Context, key string) (body []byte, found bool, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		var err error
		body, found, err = g.store.GetCachedResponse(ctx, key)
		return err
	})
	return body, found, err
}

func (g *guardedStore) storeResponse(ctx context.Context, key string, resp *contracts.ResponseMessage, ttl time.Duration) error {
	return g.do(ctx, func(ctx context.Context) error {
		return g.store.StoreResponse(ctx, key, resp, ttl)
	})
}
