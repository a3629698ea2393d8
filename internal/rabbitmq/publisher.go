package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessagePublisher publishes a single message
type MessagePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Publisher publishes on one channel, optionally waiting for broker confirms
type Publisher struct {
	ch             Channel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	mu             sync.Mutex
}

// PublisherOption configures the publisher
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	confirm        bool
	confirmTimeout time.Duration
}

// WithConfirmMode puts the channel into confirm mode
func WithConfirmMode(enabled bool) PublisherOption {
	return func(c *publisherConfig) {
		c.confirm = enabled
	}
}

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(c *publisherConfig) {
		c.confirmTimeout = timeout
	}
}

// NewPublisher creates a publisher on ch
func NewPublisher(ch Channel, options ...PublisherOption) (*Publisher, error) {
	cfg := &publisherConfig{confirmTimeout: 5 * time.Second}
	for _, opt := range options {
		opt(cfg)
	}

	p := &Publisher{ch: ch, confirmTimeout: cfg.confirmTimeout}
	if cfg.confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	return p, nil
}

// Publish implements MessagePublisher. Publishes on one Publisher are
// serialized so that each confirm matches its message.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if p.confirms == nil {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrChannelClosed, Timestamp: time.Now()}
		}
		if !confirm.Ack {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
		}
		return nil
	case <-timer.C:
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishTimeout, Timestamp: time.Now()}
	case <-ctx.Done():
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
	}
}
