package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"missing", nil, 0},
		{"int32", amqp.Table{HeaderRetryCount: int32(2)}, 2},
		{"int64", amqp.Table{HeaderRetryCount: int64(3)}, 3},
		{"int", amqp.Table{HeaderRetryCount: 1}, 1},
		{"float", amqp.Table{HeaderRetryCount: float64(2)}, 2},
		{"string", amqp.Table{HeaderRetryCount: "4"}, 4},
		{"garbage", amqp.Table{HeaderRetryCount: "four"}, 0},
		{"negative", amqp.Table{HeaderRetryCount: int32(-5)}, 0},
		{"unsupported type", amqp.Table{HeaderRetryCount: true}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryCount(tt.headers))
		})
	}
}

func TestRedeliverer(t *testing.T) {
	ctx := context.Background()
	topo := rabbitmq.NewTopology("api", time.Second)
	cause := errors.New("database is locked")

	delivery := func(retries any) amqp.Delivery {
		d := amqp.Delivery{
			MessageId:     "req-1",
			CorrelationId: "corr-1",
			ReplyTo:       "amq.gen-reply",
			ContentType:   "application/json",
			Expiration:    "30000",
			Headers:       amqp.Table{"x-trace": "abc"},
			Body:          []byte(`{"id":"req-1"}`),
		}
		if retries != nil {
			d.Headers[HeaderRetryCount] = retries
		}
		return d
	}

	newPublisher := func(t *testing.T, ch *rabbitmqtest.Channel) rabbitmq.MessagePublisher {
		pub, err := rabbitmq.NewPublisher(ch)
		require.NoError(t, err)
		return pub
	}

	t.Run("republishes to the retry queue with an incremented count", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		r := NewRedeliverer(topo)

		decision, err := r.Redeliver(ctx, newPublisher(t, ch), delivery(nil), cause)
		require.NoError(t, err)
		assert.Equal(t, Decision{Attempt: 1}, decision)

		retried := ch.PublishedTo("api.requests.retry")
		require.Len(t, retried, 1)
		msg := retried[0].Msg
		assert.Equal(t, 1, RetryCount(msg.Headers))
		assert.Equal(t, "abc", msg.Headers["x-trace"])
		assert.Equal(t, "database is locked", msg.Headers[HeaderLastError])
		assert.Equal(t, "corr-1", msg.CorrelationId)
		assert.Equal(t, "amq.gen-reply", msg.ReplyTo)
		assert.Equal(t, []byte(`{"id":"req-1"}`), msg.Body)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		assert.Empty(t, msg.Expiration)
	})

	t.Run("does not mutate the delivery headers", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		d := delivery(int32(1))

		_, err := NewRedeliverer(topo).Redeliver(ctx, newPublisher(t, ch), d, cause)
		require.NoError(t, err)
		assert.Equal(t, 1, RetryCount(d.Headers))
	})

	t.Run("counts up to the budget then dead-letters", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		pub := newPublisher(t, ch)
		r := NewRedeliverer(topo, WithMaxRetries(3))

		d := delivery(nil)
		for want := 1; want <= 3; want++ {
			decision, err := r.Redeliver(ctx, pub, d, cause)
			require.NoError(t, err)
			assert.Equal(t, want, decision.Attempt)
			assert.False(t, decision.DeadLettered)

			published := ch.PublishedTo("api.requests.retry")
			d.Headers = published[len(published)-1].Msg.Headers
		}

		decision, err := r.Redeliver(ctx, pub, d, cause)
		require.NoError(t, err)
		assert.True(t, decision.DeadLettered)
		assert.Equal(t, ReasonMaxRetries, decision.Reason)
		assert.Equal(t, 3, decision.Attempt)

		dead := ch.PublishedTo("api.dlq")
		require.Len(t, dead, 1)
		headers := dead[0].Msg.Headers
		assert.Equal(t, 3, RetryCount(headers))
		assert.Equal(t, "database is locked", headers[HeaderLastError])
		assert.Equal(t, "api.requests", headers[HeaderOriginalQueue])
		assert.Equal(t, ReasonMaxRetries, headers[HeaderDeathReason])
	})

	t.Run("dead-letters immediately when the retry publish fails", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.OnPublish = func(p rabbitmqtest.Published) error {
			if p.RoutingKey == "api.requests.retry" {
				return errors.New("queue not found")
			}
			return nil
		}

		decision, err := NewRedeliverer(topo).Redeliver(ctx, newPublisher(t, ch), delivery(int32(1)), cause)
		require.NoError(t, err)
		assert.True(t, decision.DeadLettered)
		assert.Equal(t, ReasonRetryPublishFailed, decision.Reason)
		assert.Len(t, ch.PublishedTo("api.dlq"), 1)
	})

	t.Run("reports when the message could not be placed anywhere", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.PublishErr = errors.New("channel closed")

		_, err := NewRedeliverer(topo).Redeliver(ctx, newPublisher(t, ch), delivery(nil), cause)

		var redeliveryErr *RedeliveryError
		require.ErrorAs(t, err, &redeliveryErr)
		assert.Equal(t, "api.dlq", redeliveryErr.Queue)
		assert.Equal(t, "req-1", redeliveryErr.MessageID)
	})

	t.Run("zero budget dead-letters on first failure", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		decision, err := NewRedeliverer(topo, WithMaxRetries(0)).Redeliver(ctx, newPublisher(t, ch), delivery(nil), cause)
		require.NoError(t, err)
		assert.True(t, decision.DeadLettered)
		assert.Empty(t, ch.PublishedTo("api.requests.retry"))
	})

	t.Run("DeadLetter without a cause records the reason", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		require.NoError(t, NewRedeliverer(topo).DeadLetter(ctx, newPublisher(t, ch), delivery(nil), ReasonMalformed, nil))

		dead := ch.PublishedTo("api.dlq")
		require.Len(t, dead, 1)
		assert.Equal(t, ReasonMalformed, dead[0].Msg.Headers[HeaderLastError])
		assert.Equal(t, ReasonMalformed, dead[0].Msg.Headers[HeaderDeathReason])
	})
}
