package shelfbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/shelfbridge/actions"
	"github.com/glimte/shelfbridge/config"
	"github.com/glimte/shelfbridge/health"
	"github.com/glimte/shelfbridge/idempotency"
	"github.com/glimte/shelfbridge/interceptors"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/reliability"
	"github.com/glimte/shelfbridge/library"
	"github.com/glimte/shelfbridge/messaging"
	"golang.org/x/sync/errgroup"
)

// Service is the bridge server: broker connection, topology, idempotency
// store, library database, request dispatcher and health endpoint.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	manager  *rabbitmq.ConnectionManager
	topology rabbitmq.Topology
	store    idempotency.Store
	repo     *library.Repository
	server   *messaging.Server
	metrics  *interceptors.ActionMetrics
	health   *health.Registry
}

// ServiceOption configures NewService
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger   *slog.Logger
	store    idempotency.Store
	registry *actions.Registry
	dial     rabbitmq.Dialer
}

// WithLogger sets the logger. The default is built from the log config.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithIdempotencyStore replaces the configured idempotency backend
func WithIdempotencyStore(store idempotency.Store) ServiceOption {
	return func(o *serviceOptions) {
		o.store = store
	}
}

// WithRegistry replaces the library actions
func WithRegistry(registry *actions.Registry) ServiceOption {
	return func(o *serviceOptions) {
		o.registry = registry
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) ServiceOption {
	return func(o *serviceOptions) {
		o.dial = dial
	}
}

// NewService opens the idempotency store and the library database and
// builds the dispatcher. It does not connect to the broker; Run does.
func NewService(ctx context.Context, cfg config.Config, options ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &serviceOptions{}
	for _, opt := range options {
		opt(opts)
	}
	logger := opts.logger
	if logger == nil {
		logger = cfg.Log.NewLogger()
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		topology: rabbitmq.NewTopology(cfg.RabbitMQ.QueuePrefix, cfg.Dispatcher.RetryDelay),
		metrics:  interceptors.NewActionMetrics(),
	}

	s.store = opts.store
	if s.store == nil {
		store, err := OpenStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	registry := opts.registry
	if registry == nil {
		repo, err := library.Open(ctx, cfg.Database.Path, library.WithLogger(logger))
		if err != nil {
			s.store.Close()
			return nil, err
		}
		s.repo = repo
		registry = library.NewHandlers(repo).Registry()
	}

	dial := opts.dial
	if dial == nil {
		dial = rabbitmq.NewDialer(cfg.RabbitMQ.Heartbeat)
	}
	s.manager = rabbitmq.NewConnectionManager(cfg.RabbitMQ.AMQPURL(),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialer(dial),
		rabbitmq.WithConnectAttempts(cfg.RabbitMQ.ConnectAttempts),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay))

	chain := interceptors.NewChain(logger).
		Add(interceptors.NewLoggingInterceptor(logger)).
		Add(interceptors.NewMetricsInterceptor(s.metrics))
	if disabled := cfg.Dispatcher.DisabledActions; len(disabled) > 0 {
		chain.Add(interceptors.NewFilteringInterceptor(interceptors.DenyActions(disabled...)))
	}

	s.server = messaging.NewServer(s.manager, registry, s.store,
		messaging.WithInterceptors(chain),
		messaging.WithTopology(s.topology),
		messaging.WithAuthenticator(actions.NewAuthenticator(cfg.APIKeys, actions.RequireCredentials(cfg.RequireAuth))),
		messaging.WithMaxRetries(cfg.Dispatcher.MaxRetries),
		messaging.WithIdempotencyTTL(cfg.Idempotency.TTL),
		messaging.WithStoreTimeout(cfg.Idempotency.Timeout),
		messaging.WithPrefetchCount(cfg.Dispatcher.PrefetchCount),
		messaging.WithConsumers(cfg.Dispatcher.Consumers),
		messaging.WithHandlerTimeout(cfg.Dispatcher.HandlerTimeout),
		messaging.WithServerLogger(logger))

	s.health = s.newHealthRegistry()
	return s, nil
}

// OpenStore opens the idempotency backend selected by cfg. Redis is dialed
// with the configured number of connect attempts.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (idempotency.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Idempotency.Backend == "memory" {
		logger.Warn("using in-memory idempotency store; keys are lost on restart")
		return idempotency.NewMemoryStore(), nil
	}

	var store *idempotency.RedisStore
	policy := reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2.0, cfg.RabbitMQ.ConnectAttempts-1)
	err := reliability.RetryNotify(ctx, policy, func(ctx context.Context) error {
		var err error
		store, err = idempotency.DialRedis(ctx, idempotency.RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, idempotency.WithKeyPrefix(cfg.Idempotency.KeyPrefix), idempotency.WithRedisLogger(logger))
		return err
	}, func(err error, attempt int, delay time.Duration) {
		logger.Warn("redis not reachable, retrying",
			"addr", cfg.Redis.Addr(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("connect idempotency store: %w", err)
	}
	return store, nil
}

func (s *Service) newHealthRegistry() *health.Registry {
	r := health.NewRegistry()
	r.Register(health.NewBrokerChecker(s.manager))
	r.Register(health.NewQueueChecker(s.topology.Requests, rabbitmq.NewTopologyManager(s.manager, s.logger), 10000, 1))
	r.Register(health.NewPingChecker("idempotency", s.store))
	if s.repo != nil {
		r.Register(health.NewPingChecker("database", s.repo))
	}
	r.Register(health.NewDispatcherChecker(s.server))
	r.Register(health.NewGoroutineChecker(500, 1000))
	r.Register(health.NewCheckerFunc("actions", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "Action dispatch counters",
			Details: map[string]any{"actions": s.metrics.Snapshot()},
		}
	}))
	r.SetMetadata("queue_prefix", s.cfg.RabbitMQ.QueuePrefix)
	return r
}

// Health returns the service health checks
func (s *Service) Health() *health.Registry {
	return s.health
}

// Stats returns the dispatcher counters
func (s *Service) Stats() messaging.Stats {
	return s.server.Stats()
}

// ActionMetrics returns the per-action dispatch counters
func (s *Service) ActionMetrics() []interceptors.ActionSnapshot {
	return s.metrics.Snapshot()
}

// Topology returns the queues the service uses
func (s *Service) Topology() rabbitmq.Topology {
	return s.topology
}

// DeclareTopology connects to the broker and declares the queues
func (s *Service) DeclareTopology(ctx context.Context) error {
	if !s.manager.IsConnected() {
		if err := s.manager.Connect(ctx); err != nil {
			return err
		}
	}
	return rabbitmq.NewTopologyManager(s.manager, s.logger).DeclareTopology(ctx, s.topology)
}

// Run connects, declares the topology and serves requests and the health
// endpoint until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.DeclareTopology(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.server.Run(ctx)
	})

	if addr := s.cfg.Health.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           health.NewRouter(s.health, s.cfg.Health.Timeout),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("health endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Sweep removes idempotency keys without expiry or with a remaining TTL above maxAge
func (s *Service) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.store.Sweep(ctx, maxAge)
}

// Close releases the broker connection, the store and the database
func (s *Service) Close() error {
	var errs []error
	if err := s.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
