// Package interceptors wraps action dispatch with cross-cutting concerns.
//
// An Interceptor sees every request after authentication and idempotency
// handling and before the action runs. Interceptors are combined in a
// Chain; the first one added runs outermost.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each dispatch with its duration and outcome
//   - MetricsInterceptor: counts dispatches, failures and time per action
//   - FilteringInterceptor: refuses actions rejected by an ActionFilter
//
// Example usage:
//
//	metrics := interceptors.NewActionMetrics()
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewMetricsInterceptor(metrics)).
//		Add(interceptors.NewFilteringInterceptor(interceptors.DenyActions("create_book")))
//
//	server := messaging.NewServer(manager, registry, store,
//		messaging.WithInterceptors(chain))
package interceptors
