// Package rabbitmqtest provides in-memory fakes of the rabbitmq Channel and
// Connection interfaces for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/shelfbridge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned by operations on a closed fake
var ErrClosed = errors.New("rabbitmqtest: closed")

// Published records one PublishWithContext call
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Channel is a fake rabbitmq.Channel. Hooks may be set before use to
// inject failures or to react to publishes.
type Channel struct {
	mu        sync.Mutex
	closed    bool
	published []Published
	declared  map[string]amqp.Table
	deleted   []string
	cancelled []string
	consumers map[string]chan amqp.Delivery // consumer tag -> deliveries
	queues    map[string]string             // consumer tag -> queue
	confirms  chan amqp.Confirmation
	seq       uint64
	generated int

	Prefetch    int
	ConfirmMode bool
	Depths      map[string]int

	// OnPublish runs after a publish is recorded. Returning an error fails the publish.
	OnPublish func(p Published) error
	// DeclareErr is consulted on every QueueDeclare
	DeclareErr func(name string, args amqp.Table) error
	// DeleteErr is returned by QueueDelete when set
	DeleteErr error
	// ConsumeErr is returned by Consume when set
	ConsumeErr error
	// PublishErr is returned by PublishWithContext when set
	PublishErr error
	// Nack makes confirms negative
	Nack bool
}

// NewChannel creates an open fake channel
func NewChannel() *Channel {
	return &Channel{
		declared:  make(map[string]amqp.Table),
		consumers: make(map[string]chan amqp.Delivery),
		queues:    make(map[string]string),
		Depths:    make(map[string]int),
	}
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.Prefetch = prefetchCount
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConfirmMode = true
	return nil
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.Queue{}, ErrClosed
	}
	if c.DeclareErr != nil {
		if err := c.DeclareErr(name, args); err != nil {
			// the broker closes the channel on a declare failure
			c.closeLocked()
			return amqp.Queue{}, err
		}
	}
	if name == "" {
		c.generated++
		name = fmt.Sprintf("amq.gen-%d", c.generated)
	}
	c.declared[name] = args
	return amqp.Queue{Name: name, Messages: c.Depths[name]}, nil
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.Queue{}, ErrClosed
	}
	consumers := 0
	for _, q := range c.queues {
		if q == name {
			consumers++
		}
	}
	return amqp.Queue{Name: name, Messages: c.Depths[name], Consumers: consumers}, nil
}

func (c *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.DeleteErr != nil {
		return 0, c.DeleteErr
	}
	delete(c.declared, name)
	c.deleted = append(c.deleted, name)
	return c.Depths[name], nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	if consumer == "" {
		consumer = fmt.Sprintf("ctag-%d", len(c.consumers)+1)
	}
	deliveries := make(chan amqp.Delivery, 64)
	c.consumers[consumer] = deliveries
	c.queues[consumer] = queue
	return deliveries, nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if deliveries, ok := c.consumers[consumer]; ok {
		close(deliveries)
		delete(c.consumers, consumer)
		delete(c.queues, consumer)
	}
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	p := Published{Exchange: exchange, RoutingKey: key, Msg: msg}
	c.published = append(c.published, p)
	c.seq++
	seq := c.seq
	confirms := c.confirms
	hook := c.OnPublish
	nack := c.Nack
	c.mu.Unlock()

	if hook != nil {
		if err := hook(p); err != nil {
			return err
		}
	}
	if confirms != nil {
		confirms <- amqp.Confirmation{DeliveryTag: seq, Ack: !nack}
	}
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closeLocked()
	return nil
}

func (c *Channel) closeLocked() {
	c.closed = true
	for tag, deliveries := range c.consumers {
		close(deliveries)
		delete(c.consumers, tag)
	}
	if c.confirms != nil {
		close(c.confirms)
		c.confirms = nil
	}
}

// Deliver pushes d to every consumer of queue and reports whether one existed
func (c *Channel) Deliver(queue string, d amqp.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	delivered := false
	for tag, q := range c.queues {
		if q != queue {
			continue
		}
		if deliveries, ok := c.consumers[tag]; ok {
			deliveries <- d
			delivered = true
		}
	}
	return delivered
}

// CloseDeliveries closes every consumer stream, as the broker does when it
// cancels consumers.
func (c *Channel) CloseDeliveries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag, deliveries := range c.consumers {
		close(deliveries)
		delete(c.consumers, tag)
		delete(c.queues, tag)
	}
}

// Published returns a copy of everything published so far
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns the messages published with routing key key
func (c *Channel) PublishedTo(key string) []Published {
	var out []Published
	for _, p := range c.Published() {
		if p.RoutingKey == key {
			out = append(out, p)
		}
	}
	return out
}

// Declared returns the arguments a queue was declared with
func (c *Channel) Declared(name string) (amqp.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	args, ok := c.declared[name]
	return args, ok
}

// Deleted returns the names of deleted queues
func (c *Channel) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

// Cancelled returns the cancelled consumer tags
func (c *Channel) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

// ConsumerCount returns the number of active consumers
func (c *Channel) ConsumerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

// Connection is a fake rabbitmq.Connection. Every Channel call returns a
// channel built by NewChannel, or a fresh fake when NewChannel is nil.
type Connection struct {
	mu       sync.Mutex
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error

	NewChannel func() *Channel
	ChannelErr error
}

// NewConnection creates an open fake connection
func NewConnection() *Connection {
	return &Connection{}
}

// SharedChannel returns a connection whose every Channel call yields ch
func SharedChannel(ch *Channel) *Connection {
	return &Connection{NewChannel: func() *Channel { return ch }}
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	var ch *Channel
	if c.NewChannel != nil {
		ch = c.NewChannel()
	} else {
		ch = NewChannel()
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// Drop simulates the broker closing the connection with err
func (c *Connection) Drop(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.shutdownLocked(err)
	}
}

func (c *Connection) shutdownLocked(err *amqp.Error) {
	c.closed = true
	for _, receiver := range c.notify {
		if err != nil {
			receiver <- err
		}
		close(receiver)
	}
	c.notify = nil
}

// Channels returns the channels opened so far
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Dialer returns a rabbitmq.Dialer yielding conns in order, then errors
func Dialer(conns ...*Connection) rabbitmq.Dialer {
	var mu sync.Mutex
	return func(url string) (rabbitmq.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil, errors.New("rabbitmqtest: dial refused")
		}
		conn := conns[0]
		conns = conns[1:]
		if conn == nil {
			return nil, errors.New("rabbitmqtest: dial refused")
		}
		return conn, nil
	}
}

// Delivery converts a recorded publish into the delivery a consumer would see
func Delivery(p Published) amqp.Delivery {
	return amqp.Delivery{
		Headers:       p.Msg.Headers,
		ContentType:   p.Msg.ContentType,
		DeliveryMode:  p.Msg.DeliveryMode,
		CorrelationId: p.Msg.CorrelationId,
		ReplyTo:       p.Msg.ReplyTo,
		Expiration:    p.Msg.Expiration,
		MessageId:     p.Msg.MessageId,
		Timestamp:     p.Msg.Timestamp,
		Exchange:      p.Exchange,
		RoutingKey:    p.RoutingKey,
		Body:          p.Msg.Body,
	}
}

// Route delivers p to the consumers of its routing key on every channel of
// conns, acting as the default exchange between fakes. It reports whether
// any consumer received it.
func Route(p Published, conns ...*Connection) bool {
	routed := false
	for _, conn := range conns {
		for _, ch := range conn.Channels() {
			if ch.Deliver(p.RoutingKey, Delivery(p)) {
				routed = true
			}
		}
	}
	return routed
}
