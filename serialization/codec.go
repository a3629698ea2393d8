// Package serialization encodes and decodes bridge envelopes.
//
// Decoding is strict: unknown fields, trailing data, wrong types and
// missing required fields are rejected with a *DecodeError. Numbers inside
// open payloads are preserved exactly as json.Number.
package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/glimte/shelfbridge/contracts"
)

// ContentType is set on every published envelope
const ContentType = "application/json"

var (
	// ErrNilMessage is returned when encoding a nil envelope
	ErrNilMessage = errors.New("serialization: nil message")
	// ErrTrailingData is returned when bytes follow the JSON document
	ErrTrailingData = errors.New("serialization: trailing data after message")
)

// DecodeError reports a body that could not be turned into an envelope
type DecodeError struct {
	Kind string // "request" or "response"
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeRequest validates and serializes a request
func EncodeRequest(req *contracts.RequestMessage) ([]byte, error) {
	if req == nil {
		return nil, ErrNilMessage
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// DecodeRequest parses and validates a request body
func DecodeRequest(body []byte) (*contracts.RequestMessage, error) {
	var req contracts.RequestMessage
	if err := strictDecode(body, &req); err != nil {
		return nil, &DecodeError{Kind: "request", Err: err}
	}
	if err := req.Validate(); err != nil {
		return nil, &DecodeError{Kind: "request", Err: err}
	}
	return &req, nil
}

// EncodeResponse validates and serializes a response. Timestamps inside the
// payload are normalized first, so equal responses encode to equal bytes.
func EncodeResponse(resp *contracts.ResponseMessage) ([]byte, error) {
	if resp == nil {
		return nil, ErrNilMessage
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(NormalizeResponse(resp))
}

// DecodeResponse parses and validates a response body
func DecodeResponse(body []byte) (*contracts.ResponseMessage, error) {
	var resp contracts.ResponseMessage
	if err := strictDecode(body, &resp); err != nil {
		return nil, &DecodeError{Kind: "response", Err: err}
	}
	if err := resp.Validate(); err != nil {
		return nil, &DecodeError{Kind: "response", Err: err}
	}
	return &resp, nil
}

func strictDecode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("empty body")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ErrTrailingData
	}
	return nil
}

// NormalizeResponse returns a copy of resp whose payload and error details
// hold canonical timestamp strings instead of time values.
func NormalizeResponse(resp *contracts.ResponseMessage) *contracts.ResponseMessage {
	out := *resp
	if resp.Data.Object != nil {
		out.Data.Object = normalizeMap(resp.Data.Object)
	}
	if resp.Data.List != nil {
		out.Data.List = normalizeList(resp.Data.List)
	}
	if resp.Error != nil {
		detail := *resp.Error
		if detail.Details != nil {
			detail.Details = normalizeMap(detail.Details)
		}
		out.Error = &detail
	}
	return &out
}

// Normalize walks maps and slices and replaces time values with their
// canonical RFC3339Nano UTC form. Other values are returned unchanged.
func Normalize(v any) any {
	switch val := v.(type) {
	case time.Time:
		return contracts.NewTimestamp(val).String()
	case *time.Time:
		if val == nil {
			return nil
		}
		return contracts.NewTimestamp(*val).String()
	case contracts.Timestamp:
		return val.String()
	case map[string]any:
		return normalizeMap(val)
	case []map[string]any:
		return normalizeList(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}

func normalizeList(items []map[string]any) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = normalizeMap(item)
	}
	return out
}
