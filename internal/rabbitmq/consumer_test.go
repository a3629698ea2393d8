package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	msg := amqp.Publishing{Body: []byte("hello")}

	t.Run("publishes without confirms", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		pub, err := rabbitmq.NewPublisher(ch)
		require.NoError(t, err)

		require.NoError(t, pub.Publish(ctx, "", "api.requests", msg))
		assert.False(t, ch.ConfirmMode)
		require.Len(t, ch.PublishedTo("api.requests"), 1)
	})

	t.Run("waits for a positive confirm", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		pub, err := rabbitmq.NewPublisher(ch, rabbitmq.WithConfirmMode(true))
		require.NoError(t, err)

		assert.True(t, ch.ConfirmMode)
		assert.NoError(t, pub.Publish(ctx, "", "q", msg))
		assert.NoError(t, pub.Publish(ctx, "", "q", msg))
	})

	t.Run("negative confirm fails the publish", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.Nack = true
		pub, err := rabbitmq.NewPublisher(ch, rabbitmq.WithConfirmMode(true))
		require.NoError(t, err)

		err = pub.Publish(ctx, "", "q", msg)
		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
	})

	t.Run("wraps channel failures", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.PublishErr = errors.New("channel gone")
		pub, err := rabbitmq.NewPublisher(ch)
		require.NoError(t, err)

		err = pub.Publish(ctx, "", "api.dlq", msg)
		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "api.dlq", pubErr.RoutingKey)
		assert.Contains(t, pubErr.Error(), "publish to api.dlq")
	})
}

func TestConsumer(t *testing.T) {
	t.Run("sets prefetch and hands deliveries to the handler", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		consumer := rabbitmq.NewConsumer(rabbitmqtest.SharedChannel(ch),
			rabbitmq.WithPrefetchCount(7),
			rabbitmq.WithConsumerTag("worker-1"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		var bodies []string
		done := make(chan error, 1)
		go func() {
			done <- consumer.Consume(ctx, "api.requests", func(ctx context.Context, pub rabbitmq.MessagePublisher, d amqp.Delivery) {
				mu.Lock()
				bodies = append(bodies, string(d.Body))
				mu.Unlock()
				_ = pub.Publish(ctx, "", "reply", amqp.Publishing{Body: d.Body})
			})
		}()

		require.Eventually(t, func() bool { return ch.ConsumerCount() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 7, ch.Prefetch)

		ch.Deliver("api.requests", amqp.Delivery{Body: []byte("one")})
		ch.Deliver("api.requests", amqp.Delivery{Body: []byte("two")})

		require.Eventually(t, func() bool { return len(ch.PublishedTo("reply")) == 2 }, time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-done)

		mu.Lock()
		assert.Equal(t, []string{"one", "two"}, bodies)
		mu.Unlock()
		assert.Equal(t, []string{"worker-1"}, ch.Cancelled())
		assert.True(t, ch.IsClosed())
	})

	t.Run("returns when the broker cancels the consumer", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		consumer := rabbitmq.NewConsumer(rabbitmqtest.SharedChannel(ch))

		done := make(chan error, 1)
		go func() {
			done <- consumer.Consume(context.Background(), "api.requests", func(context.Context, rabbitmq.MessagePublisher, amqp.Delivery) {})
		}()

		require.Eventually(t, func() bool { return ch.ConsumerCount() == 1 }, time.Second, 5*time.Millisecond)
		ch.CloseDeliveries()

		err := <-done
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.ErrorIs(t, err, rabbitmq.ErrConsumerCancelled)
		assert.Equal(t, "api.requests", consumerErr.Queue)
	})

	t.Run("fails when no channel can be opened", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		conn.ChannelErr = errors.New("connection blocked")
		consumer := rabbitmq.NewConsumer(conn, rabbitmq.WithConsumerTag("t"))

		err := consumer.Consume(context.Background(), "q", nil)
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "open channel", consumerErr.Op)
	})

	t.Run("fails when consume is refused", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.ConsumeErr = errors.New("access refused")
		consumer := rabbitmq.NewConsumer(rabbitmqtest.SharedChannel(ch))

		err := consumer.Consume(context.Background(), "q", nil)
		assert.ErrorContains(t, err, "access refused")
	})

	t.Run("handler context outlives shutdown but keeps its deadline", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		consumer := rabbitmq.NewConsumer(rabbitmqtest.SharedChannel(ch), rabbitmq.WithHandlerTimeout(time.Minute))

		ctx, cancel := context.WithCancel(context.Background())
		seen := make(chan context.Context, 1)
		go func() {
			_ = consumer.Consume(ctx, "q", func(hctx context.Context, _ rabbitmq.MessagePublisher, _ amqp.Delivery) {
				cancel()
				seen <- hctx
			})
		}()

		require.Eventually(t, func() bool { return ch.ConsumerCount() == 1 }, time.Second, 5*time.Millisecond)
		ch.Deliver("q", amqp.Delivery{})

		hctx := <-seen
		assert.NoError(t, hctx.Err())
		_, hasDeadline := hctx.Deadline()
		assert.True(t, hasDeadline)
	})
}
