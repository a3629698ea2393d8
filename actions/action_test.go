package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/glimte/shelfbridge/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	echo := Func(func(_ context.Context, data map[string]any, version, fields string) (*Result, error) {
		return Object(map[string]any{"data": data, "version": version, "fields": fields}), nil
	})

	t.Run("dispatches by action name", func(t *testing.T) {
		r := NewRegistry(map[string]Action{"echo": echo})

		req := contracts.NewRequest("echo", "v2", map[string]any{"id": json.Number("1")})
		req.Fields = "id"
		res, err := r.Dispatch(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "v2", res.Data.Object["version"])
		assert.Equal(t, "id", res.Data.Object["fields"])
	})

	t.Run("unknown action is a validation error", func(t *testing.T) {
		r := NewRegistry(map[string]Action{"echo": echo})

		_, err := r.Dispatch(context.Background(), contracts.NewRequest("delete_everything", "v1", nil))

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "Unknown action: delete_everything", validationErr.Message)
	})

	t.Run("is not affected by later changes to the source map", func(t *testing.T) {
		source := map[string]Action{"echo": echo, "skip": nil}
		r := NewRegistry(source)
		source["late"] = echo

		_, ok := r.Lookup("late")
		assert.False(t, ok)
		assert.Equal(t, []string{"echo"}, r.Names())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("nil data and nil result are normalized", func(t *testing.T) {
		var got map[string]any
		r := NewRegistry(map[string]Action{
			"noop": Func(func(_ context.Context, data map[string]any, _, _ string) (*Result, error) {
				got = data
				return nil, nil
			}),
		})

		req := &contracts.RequestMessage{Action: "noop"}
		res, err := r.Dispatch(context.Background(), req)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.NotNil(t, res.Data.Object)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   contracts.Status
		code     string
		expected bool
	}{
		{"validation", Invalid("isbn", "must be 10 to 13 characters"), contracts.StatusValidationError, contracts.CodeValidation, true},
		{"not found", NotFound("Author not found"), contracts.StatusError, contracts.CodeNotFound, true},
		{"business", Business("ISBN already exists"), contracts.StatusError, contracts.CodeBusiness, true},
		{"unauthorized", ErrUnauthorized, contracts.StatusError, contracts.CodeUnauthorized, true},
		{"wrapped business", errors.Join(errors.New("ctx"), NotFound("Book not found")), contracts.StatusError, contracts.CodeNotFound, true},
		{"unexpected", errors.New("database is locked"), contracts.StatusError, contracts.CodeUnexpected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, detail, ok := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, detail.Code)
			assert.Equal(t, tt.expected, ok)
		})
	}

	t.Run("validation details name the field", func(t *testing.T) {
		_, detail, _ := Classify(Invalid("size", "must be between 1 and 100"))
		assert.Equal(t, "must be between 1 and 100", detail.Message)
		assert.Equal(t, map[string]any{"field": "size"}, detail.Details)
	})
}

func TestAuthenticator(t *testing.T) {
	t.Run("accepts listed keys only", func(t *testing.T) {
		a := NewAuthenticator([]string{"test-api-key", " admin-key-123 "})
		assert.NoError(t, a.Authenticate("admin-key-123"))
		assert.ErrorIs(t, a.Authenticate("nope"), ErrUnauthorized)
	})

	t.Run("anonymous requests pass unless credentials are required", func(t *testing.T) {
		assert.NoError(t, NewAuthenticator(DefaultAPIKeys).Authenticate(""))

		a := NewAuthenticator(DefaultAPIKeys, RequireCredentials(true))
		assert.True(t, a.Required())
		assert.ErrorIs(t, a.Authenticate(""), ErrUnauthorized)
		assert.NoError(t, a.Authenticate("client-key-456"))
	})

	t.Run("empty allow-list refuses every token", func(t *testing.T) {
		a := NewAuthenticator([]string{"", "  "})
		assert.ErrorIs(t, a.Authenticate("wrong"), ErrUnauthorized)
		assert.ErrorIs(t, a.Authenticate("  "), ErrUnauthorized)
		assert.NoError(t, a.Authenticate(""))
	})

	t.Run("nil authenticator accepts everything", func(t *testing.T) {
		var a *Authenticator
		assert.NoError(t, a.Authenticate("anything"))
	})
}
