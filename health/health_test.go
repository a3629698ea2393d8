package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/shelfbridge/actions"
	"github.com/glimte/shelfbridge/idempotency"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/shelfbridge/internal/reliability"
	"github.com/glimte/shelfbridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusHealthy))
		assert.Equal(t, StatusHealthy, r.Check(ctx).Status)

		r.Register(fixed("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(ctx).Status)

		r.Register(fixed("c", StatusUnhealthy))
		result := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Len(t, result.Checks, 3)
		assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	})

	t.Run("checks still running at the deadline are unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))

		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		result := r.Check(tctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Check timed out", result.Checks["slow"].Message)
	})

	t.Run("CheckOne fills defaults", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("bare", func(context.Context) CheckResult { return CheckResult{} }))

		result, ok := r.CheckOne(ctx, "bare")
		require.True(t, ok)
		assert.Equal(t, "bare", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.False(t, result.Timestamp.IsZero())

		_, ok = r.CheckOne(ctx, "missing")
		assert.False(t, ok)
	})
}

type connSource struct {
	conn rabbitmq.Connection
	err  error
}

func (s connSource) GetConnection() (rabbitmq.Connection, error) {
	return s.conn, s.err
}

type queueStub struct {
	queue amqp.Queue
	err   error
}

func (s queueStub) InspectQueue(name string) (amqp.Queue, error) {
	s.queue.Name = name
	return s.queue, s.err
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("broker", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		assert.Equal(t, StatusHealthy, NewBrokerChecker(connSource{conn: conn}).Check(ctx).Status)
		assert.True(t, conn.Channels()[0].IsClosed(), "probe channel is closed")

		result := NewBrokerChecker(connSource{err: rabbitmq.ErrConnectionNotReady}).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, rabbitmq.ErrConnectionNotReady.Error(), result.Error)

		conn.Close()
		assert.Equal(t, StatusUnhealthy, NewBrokerChecker(connSource{conn: conn}).Check(ctx).Status)
	})

	t.Run("queue", func(t *testing.T) {
		ok := NewQueueChecker("api.requests", queueStub{queue: amqp.Queue{Messages: 3, Consumers: 1}}, 100, 1)
		result := ok.Check(ctx)
		assert.Equal(t, "queue_api.requests", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 3, result.Details["message_count"])

		backedUp := NewQueueChecker("api.requests", queueStub{queue: amqp.Queue{Messages: 500, Consumers: 1}}, 100, 1)
		assert.Equal(t, StatusDegraded, backedUp.Check(ctx).Status)

		idle := NewQueueChecker("api.requests", queueStub{queue: amqp.Queue{Consumers: 0}}, 100, 1)
		assert.Equal(t, StatusDegraded, idle.Check(ctx).Status)

		missing := NewQueueChecker("api.requests", queueStub{err: errors.New("NOT_FOUND")}, 100, 1)
		assert.Equal(t, StatusUnhealthy, missing.Check(ctx).Status)
	})

	t.Run("queue through the topology manager", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		conn.NewChannel = func() *rabbitmqtest.Channel {
			ch := rabbitmqtest.NewChannel()
			ch.Depths["api.requests"] = 2
			return ch
		}
		checker := NewQueueChecker("api.requests", rabbitmq.NewTopologyManager(conn, nil), 10, 0)

		result := checker.Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 2, result.Details["message_count"])
	})

	t.Run("ping", func(t *testing.T) {
		store := idempotency.NewMemoryStore()
		checker := NewPingChecker("idempotency", store)
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

		require.NoError(t, store.Close())
		result := checker.Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("dispatcher", func(t *testing.T) {
		breaker := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Hour))
		server := messaging.NewServer(rabbitmqtest.NewConnection(), actions.NewRegistry(nil), nil,
			messaging.WithStoreBreaker(breaker))
		checker := NewDispatcherChecker(server)

		result := checker.Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, int64(0), result.Details["received"])

		_ = breaker.Execute(ctx, func(context.Context) error { return errors.New("down") })
		result = checker.Check(ctx)
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "open", result.Details["idempotency_state"])
	})

	t.Run("goroutines", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewGoroutineChecker(100000, 200000).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(0, 0).Check(ctx).Status)
	})
}

func TestRouter(t *testing.T) {
	get := func(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("overall health", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("rabbitmq", StatusHealthy))
		r.Register(fixed("dispatcher", StatusDegraded))
		router := NewRouter(r, time.Second)

		rec := get(t, router, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusDegraded, body.Status)
		assert.Len(t, body.Checks, 2)

		r.Register(fixed("idempotency", StatusUnhealthy))
		assert.Equal(t, http.StatusServiceUnavailable, get(t, router, "/healthz").Code)
	})

	t.Run("single check", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("idempotency", StatusUnhealthy))
		router := NewRouter(r, time.Second)

		rec := get(t, router, "/healthz/idempotency")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body CheckResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "idempotency", body.Name)

		assert.Equal(t, http.StatusNotFound, get(t, router, "/healthz/nope").Code)
	})

	t.Run("liveness and methods", func(t *testing.T) {
		router := NewRouter(NewRegistry(), time.Second)
		assert.Equal(t, http.StatusOK, get(t, router, "/livez").Code)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
