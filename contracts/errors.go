package contracts

import (
	"errors"
	"fmt"
)

// Error codes carried in ErrorDetail.Code
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeBusiness     = "BUSINESS_ERROR"
	CodeUnexpected   = "UNEXPECTED_ERROR"
	CodeInProgress   = "IN_PROGRESS"
)

// ErrInvalidMessage is wrapped by every structural validation failure
var ErrInvalidMessage = errors.New("invalid message")

// ErrorDetail describes why a request failed
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError reports a single invalid or missing field
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidMessage
}

// FailureRecord is published to the errors queue each time a request fails
// unexpectedly, whether or not it will be retried.
type FailureRecord struct {
	RequestID      string    `json:"request_id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Action         string    `json:"action,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Error          string    `json:"error"`
	RetryCount     int       `json:"retry_count"`
	DeadLettered   bool      `json:"dead_lettered"`
	Timestamp      Timestamp `json:"timestamp"`
}
