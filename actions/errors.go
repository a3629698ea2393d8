package actions

import (
	"errors"
	"fmt"

	"github.com/glimte/shelfbridge/contracts"
)

// ErrUnauthorized is returned for a missing or unknown credential
var ErrUnauthorized = errors.New("invalid API key")

// BusinessError is an expected domain failure, reported to the caller as
// status "error" with Code NOT_FOUND or BUSINESS_ERROR and never retried.
type BusinessError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *BusinessError) Error() string {
	return e.Message
}

// NotFound reports a referenced entity that does not exist
func NotFound(format string, args ...any) *BusinessError {
	return &BusinessError{Code: contracts.CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Business reports a violated business rule
func Business(format string, args ...any) *BusinessError {
	return &BusinessError{Code: contracts.CodeBusiness, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports request data the action cannot accept
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid reports a bad value for field
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an action error to the status and error detail of its
// response. ok is false for unexpected errors, which the caller retries.
func Classify(err error) (status contracts.Status, detail *contracts.ErrorDetail, ok bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		detail := &contracts.ErrorDetail{Code: contracts.CodeValidation, Message: validationErr.Message}
		if validationErr.Field != "" {
			detail.Details = map[string]any{"field": validationErr.Field}
		}
		return contracts.StatusValidationError, detail, true
	}

	var businessErr *BusinessError
	if errors.As(err, &businessErr) {
		return contracts.StatusError, &contracts.ErrorDetail{
			Code:    businessErr.Code,
			Message: businessErr.Message,
			Details: businessErr.Details,
		}, true
	}

	if errors.Is(err, ErrUnauthorized) {
		return contracts.StatusError, &contracts.ErrorDetail{Code: contracts.CodeUnauthorized, Message: ErrUnauthorized.Error()}, true
	}

	return contracts.StatusError, &contracts.ErrorDetail{Code: contracts.CodeUnexpected, Message: err.Error()}, false
}
