package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Session owns one connection and one channel and serves one call at a
// time. A session must not be shared between goroutines that call
// concurrently; a second concurrent call fails with ErrSessionBusy.
type Session struct {
	client *Client
	id     string
	logger *slog.Logger

	call sync.Mutex // held for the duration of a call

	mu     sync.Mutex
	conn   rabbitmq.Connection
	ch     rabbitmq.Channel
	pub    *rabbitmq.Publisher
	closed bool
}

func newSession(c *Client) *Session {
	id := uuid.New().String()[:8]
	return &Session{
		client: c,
		id:     id,
		logger: c.logger.With("session", id),
	}
}

// ID identifies the session in logs and consumer tags
func (s *Session) ID() string {
	return s.id
}

// SendRequest publishes a copy of req with a fresh correlation id and a
// private reply queue, then waits up to timeout for the matching reply.
// It returns ErrNoResponse on timeout and ctx.Err() when ctx ends first.
// Replies with other correlation ids are ignored.
func (s *Session) SendRequest(ctx context.Context, req *contracts.RequestMessage, timeout time.Duration) (*contracts.ResponseMessage, error) {
	if req == nil {
		return nil, serialization.ErrNilMessage
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if !s.call.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.call.Unlock()

	ch, pub, err := s.channel(ctx)
	if err != nil {
		return nil, err
	}

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		s.discard(err)
		return nil, &CallError{Op: "declare reply queue", Err: err, Timestamp: time.Now()}
	}

	// every transmission is a new message; resending req must not reuse the
	// id of an earlier attempt that may still be executing
	msg := req.Clone()
	msg.ID = uuid.New().String()
	msg.CorrelationID = uuid.New().String()
	msg.ReplyTo = replyQueue.Name

	tag := "shelfbridge-client-" + s.id + "-" + msg.CorrelationID[:8]
	deliveries, err := ch.Consume(replyQueue.Name, tag, true, true, false, false, nil)
	if err != nil {
		s.discard(err)
		return nil, &CallError{Op: "consume reply queue", CorrelationID: msg.CorrelationID, Err: err, Timestamp: time.Now()}
	}
	defer s.cleanup(ch, tag, replyQueue.Name)

	body, err := serialization.EncodeRequest(msg)
	if err != nil {
		return nil, err
	}

	err = pub.Publish(ctx, "", s.client.requestQueue, amqp.Publishing{
		ContentType:   serialization.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.ID,
		Timestamp:     time.Now(),
		Expiration:    strconv.FormatInt(timeout.Milliseconds(), 10),
		Body:          body,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.discard(err)
		return nil, &CallError{Op: "publish request", CorrelationID: msg.CorrelationID, Err: err, Timestamp: time.Now()}
	}

	s.logger.Debug("request sent",
		"action", msg.Action,
		"messageId", msg.ID,
		"correlationId", msg.CorrelationID,
		"replyTo", msg.ReplyTo)

	return s.await(ctx, deliveries, msg.CorrelationID, timeout)
}

func (s *Session) await(ctx context.Context, deliveries <-chan amqp.Delivery, correlationID string, timeout time.Duration) (*contracts.ResponseMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				s.discard(rabbitmq.ErrChannelClosed)
				return nil, &CallError{Op: "await reply", CorrelationID: correlationID, Err: rabbitmq.ErrChannelClosed, Timestamp: time.Now()}
			}

			if d.CorrelationId != "" && d.CorrelationId != correlationID {
				s.logger.Debug("ignoring reply for another call", "correlationId", d.CorrelationId, "expected", correlationID)
				continue
			}

			resp, err := serialization.DecodeResponse(d.Body)
			if err != nil {
				return nil, err
			}
			if d.CorrelationId == "" && resp.CorrelationID != correlationID {
				s.logger.Debug("ignoring reply for another call", "correlationId", resp.CorrelationID, "expected", correlationID)
				continue
			}
			return resp, nil

		case <-timer.C:
			s.logger.Warn("no response received", "correlationId", correlationID, "timeout", timeout)
			return nil, ErrNoResponse

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// cleanup cancels the reply consumer and deletes the reply queue. Failures
// are logged only.
func (s *Session) cleanup(ch rabbitmq.Channel, tag, queue string) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Cancel(tag, false); err != nil {
		s.logger.Debug("failed to cancel reply consumer", "consumerTag", tag, "error", err)
	}
	if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
		s.logger.Warn("failed to delete reply queue", "queue", queue, "error", err)
	}
}

// channel returns the session channel, dialing and opening it as needed
func (s *Session) channel(ctx context.Context) (rabbitmq.Channel, *rabbitmq.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, s.pub, nil
	}

	if s.conn == nil || s.conn.IsClosed() {
		conn, err := s.client.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, &CallError{Op: "connect", Err: errors.Join(rabbitmq.ErrConnectionNotReady, err), Timestamp: time.Now()}
		}
		s.conn = conn
		s.logger.Debug("session connected", "url", rabbitmq.SanitizeURL(s.client.url))
	}

	ch, err := s.conn.Channel()
	if err != nil {
		s.discardLocked()
		return nil, nil, &CallError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	pub, err := rabbitmq.NewPublisher(ch)
	if err != nil {
		ch.Close()
		s.discardLocked()
		return nil, nil, &CallError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	s.ch, s.pub = ch, pub
	return ch, pub, nil
}

// discard drops the connection after a transport error so the next call redials
func (s *Session) discard(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Warn("discarding session connection", "error", cause)
	s.discardLocked()
}

func (s *Session) discardLocked() {
	if s.ch != nil && !s.ch.IsClosed() {
		s.ch.Close()
	}
	if s.conn != nil && !s.conn.IsClosed() {
		s.conn.Close()
	}
	s.ch, s.pub, s.conn = nil, nil, nil
}

// Healthy reports whether the session holds an open channel
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.ch != nil && !s.ch.IsClosed()
}

// Close closes the channel and connection. It waits for a running call.
func (s *Session) Close() error {
	s.call.Lock()
	defer s.call.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.discardLocked()
	return nil
}
