package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	t.Run("NewRequest creates valid request", func(t *testing.T) {
		req := NewRequest("get_author", "v1", map[string]any{"id": 1})

		assert.NotEmpty(t, req.ID)
		assert.Equal(t, "get_author", req.Action)
		assert.Equal(t, "v1", req.Version)
		assert.False(t, req.Timestamp.IsZero())
		assert.Empty(t, req.CorrelationID)
		assert.NoError(t, req.Validate())

		_, err := uuid.Parse(req.ID)
		assert.NoError(t, err)
	})

	t.Run("NewRequest defaults payload to empty map", func(t *testing.T) {
		req := NewRequest("get_authors", "v1", nil)
		assert.NotNil(t, req.Data)
		assert.Empty(t, req.Data)
	})

	t.Run("Clone does not alias envelope fields", func(t *testing.T) {
		req := NewRequest("get_authors", "v1", nil)
		clone := req.Clone()
		clone.CorrelationID = "other"
		clone.ReplyTo = "amq.gen-1"

		assert.Empty(t, req.CorrelationID)
		assert.Empty(t, req.ReplyTo)
	})
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name  string
		req   RequestMessage
		field string
	}{
		{"missing id", RequestMessage{Version: "v1", Action: "a"}, "id"},
		{"missing version", RequestMessage{Envelope: Envelope{ID: "1"}, Action: "a"}, "version"},
		{"missing action", RequestMessage{Envelope: Envelope{ID: "1"}, Version: "v1"}, "action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			require.Error(t, err)

			var fieldErr *FieldError
			require.ErrorAs(t, err, &fieldErr)
			assert.Equal(t, tt.field, fieldErr.Field)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestResponseValidate(t *testing.T) {
	t.Run("success response is valid", func(t *testing.T) {
		resp := NewSuccessResponse("c1", ObjectPayload(map[string]any{"id": 1}), nil)
		assert.NoError(t, resp.Validate())
		assert.True(t, resp.IsSuccess())
		assert.NoError(t, resp.Err())
	})

	t.Run("error response carries code", func(t *testing.T) {
		resp := NewErrorResponse("c1", StatusError, CodeNotFound, "Author not found", nil)
		assert.NoError(t, resp.Validate())
		assert.False(t, resp.IsSuccess())
		assert.EqualError(t, resp.Err(), "NOT_FOUND: Author not found")
	})

	t.Run("success with error is rejected", func(t *testing.T) {
		resp := NewSuccessResponse("c1", Payload{}, nil)
		resp.Error = &ErrorDetail{Code: CodeUnexpected}
		assert.ErrorIs(t, resp.Validate(), ErrInvalidMessage)
	})

	t.Run("error status without detail is rejected", func(t *testing.T) {
		resp := NewSuccessResponse("c1", Payload{}, nil)
		resp.Status = StatusError
		assert.ErrorIs(t, resp.Validate(), ErrInvalidMessage)
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		resp := NewSuccessResponse("c1", Payload{}, nil)
		resp.Status = "done"
		assert.ErrorIs(t, resp.Validate(), ErrInvalidMessage)
	})

	t.Run("inconsistent pagination is rejected", func(t *testing.T) {
		resp := NewSuccessResponse("c1", ListPayload(nil), &Pagination{Page: 1, Size: 10, Total: 25, Pages: 2})
		assert.ErrorIs(t, resp.Validate(), ErrInvalidMessage)
	})
}

func TestPagination(t *testing.T) {
	tests := []struct {
		total, size, pages int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 10, 3},
		{5, 0, 0},
	}

	for _, tt := range tests {
		p := NewPagination(1, tt.size, tt.total)
		assert.Equal(t, tt.pages, p.Pages, "total=%d size=%d", tt.total, tt.size)
		assert.NoError(t, p.Validate())
	}
}

func TestTimestamp(t *testing.T) {
	t.Run("marshals canonical UTC form", func(t *testing.T) {
		loc := time.FixedZone("CET", 3600)
		ts := NewTimestamp(time.Date(2024, 5, 1, 13, 0, 0, 123456000, loc))

		b, err := json.Marshal(ts)
		require.NoError(t, err)
		assert.Equal(t, `"2024-05-01T12:00:00.123456Z"`, string(b))
	})

	t.Run("accepts zone-less timestamps as UTC", func(t *testing.T) {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(`"2024-05-01T12:00:00.123456"`), &ts))
		assert.True(t, ts.Equal(time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		var ts Timestamp
		assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
		assert.Error(t, json.Unmarshal([]byte(`12`), &ts))
	})
}

func TestPayload(t *testing.T) {
	t.Run("empty payload encodes as null", func(t *testing.T) {
		b, err := json.Marshal(Payload{})
		require.NoError(t, err)
		assert.Equal(t, "null", string(b))
	})

	t.Run("list takes precedence", func(t *testing.T) {
		p := Payload{Object: map[string]any{"a": 1}, List: []map[string]any{{"b": 2}}}
		b, err := json.Marshal(p)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"b":2}]`, string(b))
	})

	t.Run("decodes list of objects with exact numbers", func(t *testing.T) {
		var p Payload
		require.NoError(t, json.Unmarshal([]byte(`[{"id": 9007199254740993}]`), &p))
		require.True(t, p.IsList())
		assert.Equal(t, json.Number("9007199254740993"), p.List[0]["id"])
	})

	t.Run("rejects scalar and mixed lists", func(t *testing.T) {
		var p Payload
		assert.Error(t, json.Unmarshal([]byte(`"text"`), &p))
		assert.Error(t, json.Unmarshal([]byte(`[{"a":1}, 2]`), &p))
		assert.Error(t, json.Unmarshal([]byte(`[null]`), &p))
	})
}
