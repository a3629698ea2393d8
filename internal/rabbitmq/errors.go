package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: reconnect attempts exhausted")
	ErrConnectionTimeout  = errors.New("rabbitmq: dial timed out")

	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to open channel")

	ErrPublishTimeout      = errors.New("rabbitmq: no publisher confirm before timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish nacked by broker")

	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled by broker")
)

// ConnectionError is returned when dialing the broker fails. URL never
// contains the password.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("rabbitmq %s %s", e.Op, e.URL)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" (%d attempts)", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError wraps a failure to open or use a channel
type ChannelError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return "rabbitmq " + e.Op + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error { return e.Err }

// PublishError names the destination a publish failed for
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	target := e.RoutingKey
	if e.Exchange != "" {
		target = e.Exchange + "/" + e.RoutingKey
	}
	return fmt.Sprintf("rabbitmq publish to %s: %v", target, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq %s on %s (consumer %s): %v", e.Op, e.Queue, e.ConsumerTag, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// TopologyError is returned when declaring or inspecting a queue fails
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// IsPreconditionFailed reports whether err is a broker 406 reply, as sent
// when a queue is redeclared with different arguments.
func IsPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// SanitizeURL hides the password of a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
