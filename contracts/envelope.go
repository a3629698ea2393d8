package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome class carried by a ResponseMessage
type Status string

const (
	StatusSuccess         Status = "success"
	StatusError           Status = "error"
	StatusValidationError Status = "validation_error"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusValidationError:
		return true
	}
	return false
}

// TimestampLayout is the canonical textual form of timestamps on the wire
const TimestampLayout = time.RFC3339Nano

// zone-less ISO-8601 forms produced by producers that emit naive local times
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a time.Time that always serializes as RFC3339Nano in UTC
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp without a monotonic reading
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC().Round(0)}
}

// NewTimestamp wraps t
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Round(0)}
}

// ParseTimestamp accepts RFC3339 with or without fractional seconds, and
// zone-less ISO-8601 timestamps which are read as UTC.
func ParseTimestamp(s string) (Timestamp, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NewTimestamp(t), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return NewTimestamp(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

// String returns the canonical form
func (t Timestamp) String() string {
	return t.UTC().Format(TimestampLayout)
}

// MarshalJSON implements json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Envelope holds the fields common to every message on the bridge
type Envelope struct {
	ID            string    `json:"id"`
	Timestamp     Timestamp `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id and the current time
func NewEnvelope() Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: Now(),
	}
}

// RequestMessage invokes a named action
type RequestMessage struct {
	Envelope
	Version        string         `json:"version"`
	Action         string         `json:"action"`
	Data           map[string]any `json:"data"`
	Auth           string         `json:"auth,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Fields         string         `json:"fields,omitempty"`
}

// NewRequest creates a request for action with an empty payload when data is nil
func NewRequest(action, version string, data map[string]any) *RequestMessage {
	if data == nil {
		data = map[string]any{}
	}
	return &RequestMessage{
		Envelope: NewEnvelope(),
		Version:  version,
		Action:   action,
		Data:     data,
	}
}

// Clone returns a shallow copy. The payload map is shared.
func (r *RequestMessage) Clone() *RequestMessage {
	c := *r
	return &c
}

// Validate checks the fields a request cannot be processed without
func (r *RequestMessage) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return &FieldError{Field: "id", Reason: "is required"}
	case strings.TrimSpace(r.Version) == "":
		return &FieldError{Field: "version", Reason: "is required"}
	case strings.TrimSpace(r.Action) == "":
		return &FieldError{Field: "action", Reason: "is required"}
	}
	return nil
}

// ResponseMessage carries the outcome of a request
type ResponseMessage struct {
	Envelope
	Status     Status       `json:"status"`
	Data       Payload      `json:"data"`
	Error      *ErrorDetail `json:"error,omitempty"`
	Pagination *Pagination  `json:"pagination,omitempty"`
}

// NewSuccessResponse builds a success response for the given correlation id
func NewSuccessResponse(correlationID string, data Payload, pagination *Pagination) *ResponseMessage {
	env := NewEnvelope()
	env.CorrelationID = correlationID
	return &ResponseMessage{
		Envelope:   env,
		Status:     StatusSuccess,
		Data:       data,
		Pagination: pagination,
	}
}

// NewErrorResponse builds a failed response. Use StatusValidationError for
// malformed input and StatusError for everything else.
func NewErrorResponse(correlationID string, status Status, code, message string, details map[string]any) *ResponseMessage {
	env := NewEnvelope()
	env.CorrelationID = correlationID
	return &ResponseMessage{
		Envelope: env,
		Status:   status,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// IsSuccess reports whether the response carries a result
func (r *ResponseMessage) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Err returns the error detail as an error, or nil on success
func (r *ResponseMessage) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Validate checks the structural invariants of a response
func (r *ResponseMessage) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &FieldError{Field: "id", Reason: "is required"}
	}
	if !r.Status.Valid() {
		return &FieldError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Status == StatusSuccess && r.Error != nil {
		return &FieldError{Field: "error", Reason: "must be absent on success"}
	}
	if r.Status != StatusSuccess {
		if r.Error == nil {
			return &FieldError{Field: "error", Reason: "is required unless status is success"}
		}
		if strings.TrimSpace(r.Error.Code) == "" {
			return &FieldError{Field: "error.code", Reason: "is required"}
		}
	}
	if r.Pagination != nil {
		if err := r.Pagination.Validate(); err != nil {
			return err
		}
	}
	return nil
}
