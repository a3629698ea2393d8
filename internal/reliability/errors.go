package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every CircuitBreakerError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// CircuitBreakerError reports a call rejected by an open or saturated breaker
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: trial limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s rejected call in state %v", e.Name, e.State)
	}
}

// Is matches ErrCircuitOpen
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RedeliveryError reports a failure to move a delivery to the retry or
// dead-letter queue
type RedeliveryError struct {
	Queue     string
	MessageID string
	Err       error
	Timestamp time.Time
}

func (e *RedeliveryError) Error() string {
	return fmt.Sprintf("redelivery of message %s to %s failed: %v", e.MessageID, e.Queue, e.Err)
}

func (e *RedeliveryError) Unwrap() error {
	return e.Err
}
