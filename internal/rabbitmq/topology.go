package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
	// RecreateOnMismatch deletes and redeclares the queue when it already
	// exists with different arguments.
	RecreateOnMismatch bool
}

// Topology names the queues of the RPC bridge. All queues live on the
// default exchange, so a queue name is also its routing key.
type Topology struct {
	Requests   string
	Responses  string
	Errors     string
	DeadLetter string
	Retry      string
	RetryDelay time.Duration
}

const (
	// DefaultQueuePrefix namespaces the queues of a topology
	DefaultQueuePrefix = "api"
	// DefaultRetryDelay is how long a failed request waits in the retry queue
	DefaultRetryDelay = 5 * time.Second
)

// NewTopology derives the queue names from prefix, e.g. "api" gives
// api.requests, api.responses, api.errors, api.dlq and api.requests.retry.
func NewTopology(prefix string, retryDelay time.Duration) Topology {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return Topology{
		Requests:   prefix + ".requests",
		Responses:  prefix + ".responses",
		Errors:     prefix + ".errors",
		DeadLetter: prefix + ".dlq",
		Retry:      prefix + ".requests.retry",
		RetryDelay: retryDelay,
	}
}

// Queues returns every durable queue of the topology. The retry queue
// dead-letters expired messages back onto the requests queue.
func (t Topology) Queues() []QueueDeclaration {
	return []QueueDeclaration{
		{Name: t.Requests, Durable: true},
		{Name: t.Responses, Durable: true},
		{Name: t.Errors, Durable: true},
		{Name: t.DeadLetter, Durable: true},
		{
			Name:    t.Retry,
			Durable: true,
			Arguments: amqp.Table{
				"x-message-ttl":             t.RetryDelay.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": t.Requests,
			},
			RecreateOnMismatch: true,
		},
	}
}

// TopologyManager declares queues through channels it opens on demand
type TopologyManager struct {
	opener ChannelOpener
	logger *slog.Logger
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(opener ChannelOpener, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{opener: opener, logger: logger}
}

// DeclareTopology declares every queue of t
func (tm *TopologyManager) DeclareTopology(ctx context.Context, t Topology) error {
	for _, q := range t.Queues() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tm.DeclareQueue(q); err != nil {
			return err
		}
	}
	tm.logger.Info("topology declared",
		"requests", t.Requests,
		"retry", t.Retry,
		"deadLetter", t.DeadLetter,
		"retryDelay", t.RetryDelay)
	return nil
}

// DeclareQueue declares q on a fresh channel. A 406 from the broker closes
// that channel, so recreation happens on a second one.
func (tm *TopologyManager) DeclareQueue(q QueueDeclaration) error {
	err := tm.withChannel(func(ch Channel) error {
		_, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
		return err
	})
	if err == nil {
		return nil
	}
	if !q.RecreateOnMismatch || !IsPreconditionFailed(err) {
		return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.logger.Warn("queue exists with different arguments, recreating", "queue", q.Name, "error", err)

	err = tm.withChannel(func(ch Channel) error {
		if _, err := ch.QueueDelete(q.Name, false, false, false); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		_, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: q.Name, Op: "recreate", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// InspectQueue returns the broker's view of an existing queue
func (tm *TopologyManager) InspectQueue(name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.withChannel(func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

func (tm *TopologyManager) withChannel(fn func(Channel) error) error {
	ch, err := tm.opener.Channel()
	if err != nil {
		return err
	}
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
	}()
	return fn(ch)
}
