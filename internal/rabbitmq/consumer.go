package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. It owns acknowledgment and may
// publish follow-up messages on the consuming channel through pub.
type DeliveryHandler func(ctx context.Context, pub MessagePublisher, delivery amqp.Delivery)

// Consumer runs a manual-ack consume loop on a dedicated channel
type Consumer struct {
	opener         ChannelOpener
	prefetchCount  int
	consumerTag    string
	confirm        bool
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithPublisherConfirms makes the channel's publisher wait for broker confirms
func WithPublisherConfirms(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.confirm = enabled
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(opener ChannelOpener, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		opener:         opener,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume opens a channel, consumes queue and calls handler for each
// delivery, one at a time, until ctx is cancelled or the broker closes the
// delivery stream. A cancelled ctx returns nil. A handler still running
// when ctx is cancelled keeps its own deadline.
func (c *Consumer) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	tag := c.consumerTag
	if tag == "" {
		tag = "shelfbridge-" + uuid.New().String()[:8]
	}

	consumerErr := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.opener.Channel()
	if err != nil {
		return consumerErr("open channel", err)
	}
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
	}()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return consumerErr("qos", fmt.Errorf("failed to set QoS: %w", err))
	}

	pub, err := NewPublisher(ch, WithConfirmMode(c.confirm))
	if err != nil {
		return consumerErr("publisher", err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return consumerErr("consume", fmt.Errorf("failed to start consuming: %w", err))
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "consumerTag", tag, "error", err)
			}
			c.logger.Info("consumer stopped", "queue", queue, "consumerTag", tag)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue, "consumerTag", tag)
				return consumerErr("consume", ErrConsumerCancelled)
			}
			c.handle(ctx, pub, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, pub MessagePublisher, delivery amqp.Delivery, handler DeliveryHandler) {
	msgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	defer cancel()

	handler(msgCtx, pub, delivery)
}
