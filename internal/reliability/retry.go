package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy spaces out attempts of a failing operation
type RetryPolicy interface {
	// Backoff returns the delay before retry number attempt (zero based).
	// ok is false once the policy has no retries left.
	Backoff(attempt int) (delay time.Duration, ok bool)
}

// ExponentialBackoff multiplies the delay by Multiplier on every attempt, up
// to MaxInterval. A negative MaxRetries never gives up.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
	// Jitter spreads each delay by up to this fraction in both directions
	Jitter float64
}

// NewExponentialBackoff creates an exponential policy with 15% jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxRetries:      maxRetries,
		Jitter:          0.15,
	}
}

// Backoff implements RetryPolicy
func (e *ExponentialBackoff) Backoff(attempt int) (time.Duration, bool) {
	if e.MaxRetries >= 0 && attempt >= e.MaxRetries {
		return 0, false
	}

	delay := e.InitialInterval
	for i := 0; i < attempt && delay < e.MaxInterval; i++ {
		delay = time.Duration(float64(delay) * e.Multiplier)
	}
	if delay > e.MaxInterval {
		delay = e.MaxInterval
	}
	if e.Jitter > 0 {
		spread := float64(delay) * e.Jitter
		delay += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return delay, true
}

// FixedDelay waits Delay between attempts. A negative MaxRetries never gives up.
type FixedDelay struct {
	Delay      time.Duration
	MaxRetries int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxRetries: maxRetries}
}

// Backoff implements RetryPolicy
func (f *FixedDelay) Backoff(attempt int) (time.Duration, bool) {
	if f.MaxRetries >= 0 && attempt >= f.MaxRetries {
		return 0, false
	}
	return f.Delay, true
}

// Notify is told about every failed attempt that will be retried
type Notify func(err error, attempt int, delay time.Duration)

// Retry runs fn until it succeeds, returns a permanent error, the policy
// gives up or ctx is done. The last error from fn is returned when the
// policy gives up.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	return RetryNotify(ctx, policy, fn, nil)
}

// RetryNotify is Retry with a callback before each wait
func RetryNotify(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error, notify Notify) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}

		delay, ok := policy.Backoff(attempt)
		if !ok {
			return err
		}
		if notify != nil {
			notify(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// PermanentError stops Retry immediately
type PermanentError struct {
	Err error
}

// Permanent wraps err so that Retry returns it without another attempt
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}
