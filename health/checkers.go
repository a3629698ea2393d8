package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/reliability"
	"github.com/glimte/shelfbridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionSource yields the current broker connection
type ConnectionSource interface {
	GetConnection() (rabbitmq.Connection, error)
}

// BrokerChecker checks that the broker connection is open and can open a channel
type BrokerChecker struct {
	source ConnectionSource
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(source ConnectionSource) *BrokerChecker {
	return &BrokerChecker{source: source}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: map[string]any{}}

	conn, err := c.source.GetConnection()
	if err != nil {
		return unhealthy(result, start, "Failed to get connection", err)
	}
	if conn.IsClosed() {
		return unhealthy(result, start, "Connection is closed", nil)
	}

	ch, err := conn.Channel()
	if err != nil {
		return unhealthy(result, start, "Failed to create channel", err)
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueInspector reports the state of a queue
type QueueInspector interface {
	InspectQueue(name string) (amqp.Queue, error)
}

// QueueChecker checks that a queue is reachable, has consumers and is not
// backed up
type QueueChecker struct {
	queue        string
	inspector    QueueInspector
	maxDepth     int
	minConsumers int
}

// NewQueueChecker creates a checker for queue. A depth above maxDepth or
// fewer than minConsumers consumers degrades the result.
func NewQueueChecker(queue string, inspector QueueInspector, maxDepth, minConsumers int) *QueueChecker {
	return &QueueChecker{
		queue:        queue,
		inspector:    inspector,
		maxDepth:     maxDepth,
		minConsumers: minConsumers,
	}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: map[string]any{}}

	q, err := c.inspector.InspectQueue(c.queue)
	if err != nil {
		return unhealthy(result, start, fmt.Sprintf("Queue %s not accessible", c.queue), err)
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers

	switch {
	case c.maxDepth > 0 && q.Messages > c.maxDepth:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has %d waiting messages", c.queue, q.Messages)
	case q.Consumers < c.minConsumers:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has %d consumers", c.queue, q.Consumers)
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is a dependency that can be pinged, such as the idempotency store
// or the database
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a pinged dependency
type PingChecker struct {
	name   string
	target Pinger
}

// NewPingChecker creates a checker named name for target
func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}

	if err := c.target.Ping(ctx); err != nil {
		return unhealthy(result, start, c.name+" is unreachable", err)
	}

	result.Status = StatusHealthy
	result.Message = c.name + " is reachable"
	result.Duration = time.Since(start)
	return result
}

// StatsSource exposes dispatcher counters and its store breaker
type StatsSource interface {
	Stats() messaging.Stats
	StoreBreaker() *reliability.CircuitBreaker
}

// DispatcherChecker reports the dispatcher counters. An open idempotency
// breaker degrades the result.
type DispatcherChecker struct {
	source StatsSource
}

// NewDispatcherChecker creates a dispatcher checker
func NewDispatcherChecker(source StatsSource) *DispatcherChecker {
	return &DispatcherChecker{source: source}
}

func (c *DispatcherChecker) Name() string {
	return "dispatcher"
}

func (c *DispatcherChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.source.Stats()
	breaker := c.source.StoreBreaker().Metrics()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Dispatcher is processing requests",
		Timestamp: start,
		Details: map[string]any{
			"received":          stats.Received,
			"succeeded":         stats.Succeeded,
			"failed":            stats.Failed,
			"replayed":          stats.Replayed,
			"retried":           stats.Retried,
			"dead_lettered":     stats.DeadLettered,
			"idempotency_state": breaker.State.String(),
		},
	}

	if breaker.State != reliability.StateClosed {
		result.Status = StatusDegraded
		result.Message = "Idempotency store circuit is " + breaker.State.String()
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker degrades when the process runs more goroutines than expected
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "runtime"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Runtime is normal",
		Timestamp: start,
		Details: map[string]any{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	}

	result.Duration = time.Since(start)
	return result
}

func unhealthy(result CheckResult, start time.Time, message string, err error) CheckResult {
	result.Status = StatusUnhealthy
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
