// Package reliability holds the failure-handling building blocks of the
// bridge: retry policies for in-process retries, a circuit breaker for
// flaky dependencies, and the broker-side redelivery of failed requests
// through the retry queue and the dead-letter queue.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return manager.Connect(ctx)
//	})
package reliability
