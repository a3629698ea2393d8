package reliability

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/glimte/shelfbridge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers carried by redelivered and dead-lettered requests
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderLastError     = "x-last-error"
	HeaderOriginalQueue = "x-original-queue"
	HeaderDeathReason   = "x-death-reason"
)

// Dead-letter reasons
const (
	ReasonMaxRetries         = "max_retries_exceeded"
	ReasonRetryPublishFailed = "retry_publish_failed"
	ReasonMalformed          = "malformed"
)

// DefaultMaxRetries is the number of redeliveries before a request is dead-lettered
const DefaultMaxRetries = 3

// RetryCount reads the retry counter of a delivery. Missing or unreadable
// headers count as zero.
func RetryCount(headers amqp.Table) int {
	raw, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}

	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case float32:
		n = int64(v)
	case float64:
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	case []byte:
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}

	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// Decision describes what Redeliver did with a failed delivery
type Decision struct {
	// Attempt is the retry count carried by the republished message, or the
	// count the message had when it was dead-lettered
	Attempt      int
	DeadLettered bool
	Reason       string
}

// Redeliverer moves failed requests to the retry queue, whose TTL and
// dead-letter routing bring them back to the request queue, until the
// retry budget is spent. Then it moves them to the dead-letter queue.
type Redeliverer struct {
	requestQueue    string
	retryQueue      string
	deadLetterQueue string
	maxRetries      int
	logger          *slog.Logger
}

// RedelivererOption configures the redeliverer
type RedelivererOption func(*Redeliverer)

// WithMaxRetries sets the retry budget
func WithMaxRetries(n int) RedelivererOption {
	return func(r *Redeliverer) {
		r.maxRetries = n
	}
}

// WithRedeliveryLogger sets the logger
func WithRedeliveryLogger(logger *slog.Logger) RedelivererOption {
	return func(r *Redeliverer) {
		r.logger = logger
	}
}

// NewRedeliverer creates a redeliverer for topology
func NewRedeliverer(topology rabbitmq.Topology, options ...RedelivererOption) *Redeliverer {
	r := &Redeliverer{
		requestQueue:    topology.Requests,
		retryQueue:      topology.Retry,
		deadLetterQueue: topology.DeadLetter,
		maxRetries:      DefaultMaxRetries,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}

	return r
}

// MaxRetries returns the retry budget
func (r *Redeliverer) MaxRetries() int {
	return r.maxRetries
}

// Redeliver republishes d to the retry queue with an incremented retry
// count, or dead-letters it once the budget is spent or the retry publish
// fails. The returned error is non-nil only when the message could not be
// placed anywhere.
func (r *Redeliverer) Redeliver(ctx context.Context, pub rabbitmq.MessagePublisher, d amqp.Delivery, cause error) (Decision, error) {
	attempts := RetryCount(d.Headers)

	if attempts < r.maxRetries {
		msg := republish(d)
		msg.Headers[HeaderRetryCount] = int32(attempts + 1)
		if cause != nil {
			msg.Headers[HeaderLastError] = cause.Error()
		}

		err := pub.Publish(ctx, "", r.retryQueue, msg)
		if err == nil {
			r.logger.Info("request scheduled for retry",
				"messageId", d.MessageId,
				"correlationId", d.CorrelationId,
				"attempt", attempts+1,
				"maxRetries", r.maxRetries)
			return Decision{Attempt: attempts + 1}, nil
		}

		r.logger.Error("failed to publish to retry queue, dead-lettering",
			"messageId", d.MessageId,
			"queue", r.retryQueue,
			"error", err)
		decision := Decision{Attempt: attempts, DeadLettered: true, Reason: ReasonRetryPublishFailed}
		return decision, r.DeadLetter(ctx, pub, d, ReasonRetryPublishFailed, cause)
	}

	decision := Decision{Attempt: attempts, DeadLettered: true, Reason: ReasonMaxRetries}
	return decision, r.DeadLetter(ctx, pub, d, ReasonMaxRetries, cause)
}

// DeadLetter publishes d to the dead-letter queue with diagnostic headers
func (r *Redeliverer) DeadLetter(ctx context.Context, pub rabbitmq.MessagePublisher, d amqp.Delivery, reason string, cause error) error {
	msg := republish(d)
	msg.Headers[HeaderRetryCount] = int32(RetryCount(d.Headers))
	msg.Headers[HeaderLastError] = reason
	if cause != nil {
		msg.Headers[HeaderLastError] = cause.Error()
	}
	msg.Headers[HeaderOriginalQueue] = r.requestQueue
	msg.Headers[HeaderDeathReason] = reason

	if err := pub.Publish(ctx, "", r.deadLetterQueue, msg); err != nil {
		r.logger.Error("failed to dead-letter request",
			"messageId", d.MessageId,
			"reason", reason,
			"error", err)
		return &RedeliveryError{Queue: r.deadLetterQueue, MessageID: d.MessageId, Err: err, Timestamp: time.Now()}
	}

	r.logger.Warn("request dead-lettered",
		"messageId", d.MessageId,
		"correlationId", d.CorrelationId,
		"reason", reason)
	return nil
}

// republish copies the body and properties of d. Expiration is dropped so
// that only the retry queue TTL governs the wait.
func republish(d amqp.Delivery) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+4)
	for k, v := range d.Headers {
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
