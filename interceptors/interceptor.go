package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/shelfbridge/actions"
	"github.com/glimte/shelfbridge/contracts"
)

// Handler runs the action a request names
type Handler interface {
	Handle(ctx context.Context, req *contracts.RequestMessage) (*actions.Result, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *contracts.RequestMessage) (*actions.Result, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *contracts.RequestMessage) (*actions.Result, error) {
	return f(ctx, req)
}

// Interceptor runs around the next handler in a chain
type Interceptor interface {
	// Intercept processes req and usually calls next
	Intercept(ctx context.Context, req *contracts.RequestMessage, next Handler) (*actions.Result, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *contracts.RequestMessage, next Handler) (*actions.Result, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *contracts.RequestMessage, next Handler) (*actions.Result, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *contracts.RequestMessage, next Handler) (*actions.Result, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{logger: logger}
}

// Add appends an interceptor. It is not safe to call once the chain is in use.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	c.logger.Debug("interceptor added", "interceptor", interceptor.Name(), "position", len(c.interceptors))
	return c
}

// Names returns the interceptor names, outermost first
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final with every interceptor of the chain
func (c *Chain) Then(final Handler) Handler {
	if c == nil {
		return final
	}

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, req *contracts.RequestMessage) (*actions.Result, error) {
			return interceptor.Intercept(ctx, req, next)
		})
	}
	return handler
}

// Execute runs req through the chain and final
func (c *Chain) Execute(ctx context.Context, req *contracts.RequestMessage, final Handler) (*actions.Result, error) {
	return c.Then(final).Handle(ctx, req)
}

// Built-in interceptors

// LoggingInterceptor logs every dispatch
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *contracts.RequestMessage, next Handler) (*actions.Result, error) {
	start := time.Now()

	i.logger.Debug("dispatching action",
		"action", req.Action,
		"version", req.Version,
		"messageId", req.ID)

	result, err := next.Handle(ctx, req)
	duration := time.Since(start)

	if err == nil {
		i.logger.Info("action completed",
			"action", req.Action,
			"messageId", req.ID,
			"duration", duration)
		return result, nil
	}

	if _, detail, expected := actions.Classify(err); expected {
		i.logger.Info("action refused",
			"action", req.Action,
			"messageId", req.ID,
			"code", detail.Code,
			"duration", duration)
	} else {
		i.logger.Error("action failed",
			"action", req.Action,
			"messageId", req.ID,
			"duration", duration,
			"error", err)
	}
	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-action measurements
type MetricsCollector interface {
	IncrementActionCount(action string)
	RecordProcessingTime(action string, duration time.Duration)
	IncrementErrorCount(action, code string)
}

// MetricsInterceptor feeds a MetricsCollector
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, req *contracts.RequestMessage, next Handler) (*actions.Result, error) {
	start := time.Now()
	i.collector.IncrementActionCount(req.Action)

	result, err := next.Handle(ctx, req)
	i.collector.RecordProcessingTime(req.Action, time.Since(start))

	if err != nil {
		_, detail, _ := actions.Classify(err)
		i.collector.IncrementErrorCount(req.Action, detail.Code)
	}
	return result, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
