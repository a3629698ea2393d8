package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/glimte/shelfbridge/actions"
	"github.com/glimte/shelfbridge/contracts"
	"github.com/glimte/shelfbridge/internal/rabbitmq"
	"github.com/glimte/shelfbridge/internal/reliability"
	"github.com/glimte/shelfbridge/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// inbound is a decoded delivery together with where its answer goes
type inbound struct {
	delivery      amqp.Delivery
	req           *contracts.RequestMessage
	correlationID string
	replyTo       string
}

// HandleDelivery processes one request delivery and always acks it. It is
// the rabbitmq.DeliveryHandler of every server consumer.
func (s *Server) HandleDelivery(ctx context.Context, pub rabbitmq.MessagePublisher, d amqp.Delivery) {
	s.stats.received.Add(1)
	defer s.ack(d)

	req, err := serialization.DecodeRequest(d.Body)
	if err != nil {
		s.rejectMalformed(ctx, pub, d, err)
		return
	}

	in := &inbound{
		delivery:      d,
		req:           req,
		correlationID: firstNonEmpty(d.CorrelationId, req.CorrelationID),
		replyTo:       firstNonEmpty(d.ReplyTo, req.ReplyTo),
	}

	logger := s.logger.With(
		"messageId", req.ID,
		"correlationId", in.correlationID,
		"action", req.Action,
		"retryCount", reliability.RetryCount(d.Headers))
	logger.Info("processing request")

	if err := s.auth.Authenticate(req.Auth); err != nil {
		status, detail, _ := actions.Classify(err)
		s.stats.failed.Add(1)
		s.reply(ctx, pub, in, contracts.NewErrorResponse(in.correlationID, status, detail.Code, detail.Message, detail.Details))
		return
	}

	key := req.IdempotencyKey
	if key != "" {
		claim := s.store.reserve
		// only a redelivery may pick up the reservation of an earlier attempt
		if reliability.RetryCount(d.Headers) > 0 || d.Redelivered {
			claim = s.store.resume
		}
		duplicate, err := claim(ctx, key, req.ID, s.idemTTL)
		if err != nil {
			s.fail(ctx, pub, in, err)
			return
		}
		if duplicate {
			s.answerDuplicate(ctx, pub, in)
			return
		}
	}

	result, err := s.dispatch(ctx, req)

	// the outcome is settled even when the delivery deadline has passed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settleTime)
	defer cancel()

	if err != nil {
		status, detail, expected := actions.Classify(err)
		if !expected {
			s.fail(ctx, pub, in, err)
			return
		}
		logger.Info("request rejected", "code", detail.Code, "message", detail.Message)
		s.stats.failed.Add(1)
		s.complete(ctx, pub, in, contracts.NewErrorResponse(in.correlationID, status, detail.Code, detail.Message, detail.Details))
		return
	}

	s.stats.succeeded.Add(1)
	s.complete(ctx, pub, in, contracts.NewSuccessResponse(in.correlationID, result.Data, result.Pagination))
	logger.Info("request processed")
}

// dispatch runs the action, turning a panic into an error
func (s *Server) dispatch(ctx context.Context, req *contracts.RequestMessage) (result *actions.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("action panicked",
				"action", req.Action,
				"messageId", req.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("action %s panicked: %v", req.Action, r)
		}
	}()

	return s.handler.Handle(ctx, req)
}

// complete stores a terminal response for the request's key, then replies
func (s *Server) complete(ctx context.Context, pub rabbitmq.MessagePublisher, in *inbound, resp *contracts.ResponseMessage) {
	if key := in.req.IdempotencyKey; key != "" {
		if err := s.store.storeResponse(ctx, key, resp, s.idemTTL); err != nil {
			s.logger.Error("failed to store response",
				"messageId", in.req.ID,
				"idempotencyKey", key,
				"error", err)
			// a key stuck in processing would answer IN_PROGRESS until it expires
			if err := s.store.release(ctx, key, in.req.ID); err != nil {
				s.logger.Error("failed to release idempotency key",
					"messageId", in.req.ID,
					"idempotencyKey", key,
					"error", err)
			}
		}
	}
	s.reply(ctx, pub, in, resp)
}

// answerDuplicate replays the cached response of a completed key, or tells
// the caller the original request is still executing.
func (s *Server) answerDuplicate(ctx context.Context, pub rabbitmq.MessagePublisher, in *inbound) {
	key := in.req.IdempotencyKey

	body, found, err := s.store.cached(ctx, key)
	if err != nil {
		s.fail(ctx, pub, in, err)
		return
	}

	if !found {
		s.logger.Info("duplicate request still in progress",
			"messageId", in.req.ID,
			"idempotencyKey", key)
		s.stats.failed.Add(1)
		s.reply(ctx, pub, in, contracts.NewErrorResponse(in.correlationID, contracts.StatusError,
			contracts.CodeInProgress, "A request with this idempotency key is still being processed",
			map[string]any{"idempotency_key": key}))
		return
	}

	cached, err := serialization.DecodeResponse(body)
	if err != nil {
		s.fail(ctx, pub, in, fmt.Errorf("cached response for key %s is unreadable: %w", key, err))
		return
	}
	cached.CorrelationID = in.correlationID

	s.logger.Info("replaying cached response",
		"messageId", in.req.ID,
		"idempotencyKey", key,
		"status", cached.Status)
	s.stats.replayed.Add(1)
	s.reply(ctx, pub, in, cached)
}

// fail handles an unexpected error: the request is redelivered through the
// retry queue, or dead-lettered with a final reply once retries are spent.
func (s *Server) fail(ctx context.Context, pub rabbitmq.MessagePublisher, in *inbound, cause error) {
	s.logger.Error("request failed unexpectedly",
		"messageId", in.req.ID,
		"action", in.req.Action,
		"error", cause)

	decision, err := s.redeliverer.Redeliver(ctx, pub, in.delivery, cause)
	if err != nil {
		s.logger.Error("request could not be redelivered or dead-lettered",
			"messageId", in.req.ID,
			"error", err)
	}

	s.report(ctx, pub, in, cause, decision)

	if !decision.DeadLettered {
		s.stats.retried.Add(1)
		return
	}

	s.stats.deadLettered.Add(1)
	s.stats.failed.Add(1)
	s.complete(ctx, pub, in, contracts.NewErrorResponse(in.correlationID, contracts.StatusError,
		contracts.CodeUnexpected, cause.Error(), unexpectedDetails(cause, decision)))
}

func unexpectedDetails(cause error, decision reliability.Decision) map[string]any {
	details := map[string]any{
		"retry_count": decision.Attempt,
		"reason":      decision.Reason,
	}
	if errors.Is(cause, ErrIdempotencyUnavailable) {
		details["cause"] = "IDEMPOTENCY_UNAVAILABLE"
	}
	return details
}

// report publishes a failure record to the errors queue
func (s *Server) report(ctx context.Context, pub rabbitmq.MessagePublisher, in *inbound, cause error, decision reliability.Decision) {
	record := contracts.FailureRecord{
		RequestID:      in.req.ID,
		CorrelationID:  in.correlationID,
		Action:         in.req.Action,
		IdempotencyKey: in.req.IdempotencyKey,
		Error:          cause.Error(),
		RetryCount:     decision.Attempt,
		DeadLettered:   decision.DeadLettered,
		Timestamp:      contracts.Now(),
	}

	body, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to encode failure record", "messageId", in.req.ID, "error", err)
		return
	}

	err = pub.Publish(ctx, "", s.topology.Errors, amqp.Publishing{
		ContentType:   serialization.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: in.correlationID,
		MessageId:     in.req.ID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		s.logger.Warn("failed to publish failure record", "messageId", in.req.ID, "error", err)
	}
}

// rejectMalformed answers an undecodable delivery when its reply queue is
// known and moves it to the dead-letter queue.
func (s *Server) rejectMalformed(ctx context.Context, pub rabbitmq.MessagePublisher, d amqp.Delivery, cause error) {
	s.logger.Warn("malformed request",
		"messageId", d.MessageId,
		"correlationId", d.CorrelationId,
		"error", cause)
	s.stats.failed.Add(1)

	if d.ReplyTo != "" {
		in := &inbound{delivery: d, correlationID: d.CorrelationId, replyTo: d.ReplyTo}
		s.reply(ctx, pub, in, contracts.NewErrorResponse(d.CorrelationId, contracts.StatusValidationError,
			contracts.CodeValidation, "Invalid request format", map[string]any{"reason": cause.Error()}))
	}

	if err := s.redeliverer.DeadLetter(ctx, pub, d, reliability.ReasonMalformed, cause); err != nil {
		s.logger.Error("failed to dead-letter malformed request", "messageId", d.MessageId, "error", err)
		return
	}
	s.stats.deadLettered.Add(1)
}

// reply publishes resp to the caller's reply queue. Callers that did not
// ask for a reply get none.
func (s *Server) reply(ctx context.Context, pub rabbitmq.MessagePublisher, in *inbound, resp *contracts.ResponseMessage) {
	if in.replyTo == "" {
		s.logger.Debug("no reply queue, dropping response", "correlationId", in.correlationID)
		return
	}

	body, err := serialization.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "correlationId", in.correlationID, "error", err)
		return
	}

	err = pub.Publish(ctx, "", in.replyTo, amqp.Publishing{
		ContentType:   serialization.ContentType,
		CorrelationId: in.correlationID,
		MessageId:     resp.ID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		s.logger.Warn("failed to send response",
			"replyTo", in.replyTo,
			"correlationId", in.correlationID,
			"error", err)
	}
}

func (s *Server) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		s.logger.Warn("failed to ack delivery", "deliveryTag", d.DeliveryTag, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
