package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingListener struct {
	changes chan [2]State
}

func (l *recordingListener) OnStateChange(_ string, from, to State, _ string) {
	l.changes <- [2]State{from, to}
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("redis down")
	fail := func(context.Context) error { return boom }
	succeed := func(context.Context) error { return nil }

	newBreaker := func(clock *fakeClock) *CircuitBreaker {
		return NewCircuitBreaker(
			WithName("idempotency"),
			WithFailureThreshold(2),
			WithSuccessThreshold(1),
			WithTimeout(10*time.Second),
			WithClock(clock.Now),
		)
	}

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := newBreaker(&fakeClock{now: time.Unix(0, 0)})

		assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
		assert.Equal(t, StateClosed, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "idempotency", cbErr.Name)
		assert.Equal(t, int64(1), cb.Metrics().TotalRejected)
	})

	t.Run("a success resets the failure count", func(t *testing.T) {
		cb := newBreaker(&fakeClock{now: time.Unix(0, 0)})

		_ = cb.Execute(ctx, fail)
		require.NoError(t, cb.Execute(ctx, succeed))
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trial closes the circuit", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newBreaker(clock)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)

		clock.Advance(10 * time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())

		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trial failure reopens the circuit", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newBreaker(clock)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)

		clock.Advance(11 * time.Second)
		assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("context errors are not counted", func(t *testing.T) {
		cb := newBreaker(&fakeClock{now: time.Unix(0, 0)})
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for i := 0; i < 3; i++ {
			_ = cb.Execute(cctx, func(c context.Context) error {
				cancel()
				return c.Err()
			})
		}
		assert.Equal(t, StateClosed, cb.State())
		assert.Zero(t, cb.Metrics().TotalFailures)
	})

	t.Run("notifies listeners and resets", func(t *testing.T) {
		cb := newBreaker(&fakeClock{now: time.Unix(0, 0)})
		listener := &recordingListener{changes: make(chan [2]State, 4)}
		cb.AddListener(listener)

		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)

		select {
		case change := <-listener.changes:
			assert.Equal(t, [2]State{StateClosed, StateOpen}, change)
		case <-time.After(time.Second):
			t.Fatal("no state change notification")
		}

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("rejections match ErrCircuitOpen", func(t *testing.T) {
		cb := newBreaker(&fakeClock{now: time.Unix(0, 0)})
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)

		err := cb.Execute(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Contains(t, cbErr.Error(), "open")
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
