package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/shelfbridge/actions"
	"github.com/glimte/shelfbridge/idempotency"
	"github.com/glimte/shelfbridge/interceptors"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/reliability"
	"golang.org/x/sync/errgroup"
)

// Server consumes the request queue and dispatches requests to actions
type Server struct {
	opener        rabbitmq.ChannelOpener
	registry      *actions.Registry
	handler       interceptors.Handler
	store         *guardedStore
	auth          *actions.Authenticator
	topology      rabbitmq.Topology
	redeliverer   *reliability.Redeliverer
	idemTTL       time.Duration
	prefetchCount int
	consumers     int
	tagPrefix     string
	handlerTime   time.Duration
	settleTime    time.Duration
	resubscribe   reliability.RetryPolicy
	logger        *slog.Logger
	stats         counters
}

// ServerConfig collects the settings applied by ServerOption values
type ServerConfig struct {
	Topology         rabbitmq.Topology
	Authenticator    *actions.Authenticator
	MaxRetries       int
	IdempotencyTTL   time.Duration
	StoreTimeout     time.Duration
	StoreBreaker     *reliability.CircuitBreaker
	PrefetchCount    int
	Consumers        int
	ConsumerTag      string
	HandlerTimeout   time.Duration
	SettleTimeout    time.Duration
	ResubscribeDelay reliability.RetryPolicy
	Interceptors     *interceptors.Chain
	Logger           *slog.Logger
}

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// WithTopology sets the queues the server consumes from and publishes to
func WithTopology(topology rabbitmq.Topology) ServerOption {
	return func(c *ServerConfig) {
		c.Topology = topology
	}
}

// WithAuthenticator sets the credential allow-list
func WithAuthenticator(auth *actions.Authenticator) ServerOption {
	return func(c *ServerConfig) {
		c.Authenticator = auth
	}
}

// WithMaxRetries sets how often an unexpected failure is redelivered
func WithMaxRetries(n int) ServerOption {
	return func(c *ServerConfig) {
		c.MaxRetries = n
	}
}

// WithIdempotencyTTL sets how long keys and responses are remembered
func WithIdempotencyTTL(ttl time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.IdempotencyTTL = ttl
	}
}

// WithStoreTimeout bounds each idempotency store call
func WithStoreTimeout(timeout time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.StoreTimeout = timeout
	}
}

// WithStoreBreaker sets the circuit breaker guarding the idempotency store
func WithStoreBreaker(cb *reliability.CircuitBreaker) ServerOption {
	return func(c *ServerConfig) {
		c.StoreBreaker = cb
	}
}

// WithPrefetchCount sets the unacked delivery limit per consumer
func WithPrefetchCount(count int) ServerOption {
	return func(c *ServerConfig) {
		c.PrefetchCount = count
	}
}

// WithConsumers sets the number of concurrent consumers
func WithConsumers(n int) ServerOption {
	return func(c *ServerConfig) {
		c.Consumers = n
	}
}

// WithConsumerTag sets the prefix of consumer tags
func WithConsumerTag(prefix string) ServerOption {
	return func(c *ServerConfig) {
		c.ConsumerTag = prefix
	}
}

// WithHandlerTimeout bounds the processing of one delivery
func WithHandlerTimeout(timeout time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithSettleTimeout bounds storing and publishing the outcome of a request.
// It starts when the action returns, so a handler timeout cannot cut it short.
func WithSettleTimeout(timeout time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.SettleTimeout = timeout
	}
}

// WithResubscribePolicy sets the delay between attempts to resume a
// consumer the broker cancelled
func WithResubscribePolicy(policy reliability.RetryPolicy) ServerOption {
	return func(c *ServerConfig) {
		c.ResubscribeDelay = policy
	}
}

// WithInterceptors wraps action dispatch with chain
func WithInterceptors(chain *interceptors.Chain) ServerOption {
	return func(c *ServerConfig) {
		c.Interceptors = chain
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = logger
	}
}

// NewServer creates a server. opener supplies one channel per consumer.
func NewServer(opener rabbitmq.ChannelOpener, registry *actions.Registry, store idempotency.Store, options ...ServerOption) *Server {
	config := &ServerConfig{
		Topology:         rabbitmq.NewTopology(rabbitmq.DefaultQueuePrefix, rabbitmq.DefaultRetryDelay),
		MaxRetries:       reliability.DefaultMaxRetries,
		IdempotencyTTL:   idempotency.DefaultTTL,
		StoreTimeout:     2 * time.Second,
		PrefetchCount:    10,
		Consumers:        1,
		ConsumerTag:      "shelfbridge-server",
		HandlerTimeout:   30 * time.Second,
		SettleTimeout:    10 * time.Second,
		ResubscribeDelay: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, -1),
		Logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(config)
	}

	if config.StoreBreaker == nil {
		config.StoreBreaker = reliability.NewCircuitBreaker(
			reliability.WithName("idempotency"),
			reliability.WithFailureThreshold(5),
			reliability.WithTimeout(10*time.Second))
	}
	config.StoreBreaker.AddListener(breakerLog{logger: config.Logger})
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = 10 * time.Second
	}
	if config.Consumers < 1 {
		config.Consumers = 1
	}
	if registry == nil {
		registry = actions.NewRegistry(nil)
	}
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	return &Server{
		opener:   opener,
		registry: registry,
		handler:  config.Interceptors.Then(interceptors.HandlerFunc(registry.Dispatch)),
		store: &guardedStore{
			store:   store,
			breaker: config.StoreBreaker,
			timeout: config.StoreTimeout,
		},
		auth:     config.Authenticator,
		topology: config.Topology,
		redeliverer: reliability.NewRedeliverer(config.Topology,
			reliability.WithMaxRetries(config.MaxRetries),
			reliability.WithRedeliveryLogger(config.Logger)),
		idemTTL:       config.IdempotencyTTL,
		prefetchCount: config.PrefetchCount,
		consumers:     config.Consumers,
		tagPrefix:     config.ConsumerTag,
		handlerTime:   config.HandlerTimeout,
		settleTime:    config.SettleTimeout,
		resubscribe:   config.ResubscribeDelay,
		logger:        config.Logger,
	}
}

// Stats returns a snapshot of the dispatcher counters
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// Topology returns the queues the server works with
func (s *Server) Topology() rabbitmq.Topology {
	return s.topology
}

// StoreBreaker returns the breaker guarding the idempotency store
func (s *Server) StoreBreaker() *reliability.CircuitBreaker {
	return s.store.breaker
}

// Run consumes the request queue with the configured number of consumers
// until ctx is cancelled. A consumer whose subscription ends is resumed
// after the resubscribe delay.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("request dispatcher starting",
		"queue", s.topology.Requests,
		"consumers", s.consumers,
		"prefetchCount", s.prefetchCount,
		"actions", s.registry.Names())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.consumers; i++ {
		tag := fmt.Sprintf("%s-%d", s.tagPrefix, i+1)
		g.Go(func() error {
			return s.consume(ctx, tag)
		})
	}

	err := g.Wait()
	s.logger.Info("request dispatcher stopped", "stats", s.Stats())
	return err
}

func (s *Server) consume(ctx context.Context, tag string) error {
	consumer := rabbitmq.NewConsumer(s.opener,
		rabbitmq.WithPrefetchCount(s.prefetchCount),
		rabbitmq.WithConsumerTag(tag),
		rabbitmq.WithHandlerTimeout(s.handlerTime),
		rabbitmq.WithConsumerLogger(s.logger))

	for attempt := 0; ; attempt++ {
		started := time.Now()
		err := consumer.Consume(ctx, s.topology.Requests, s.HandleDelivery)
		if ctx.Err() != nil {
			return nil
		}

		// a subscription that ran for a while starts the backoff over
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		delay, ok := s.resubscribe.Backoff(attempt)
		if !ok {
			return err
		}
		s.logger.Warn("consumer stopped, resubscribing",
			"consumerTag", tag,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
