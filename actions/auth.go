package actions

import "strings"

// DefaultAPIKeys is the allow-list used when none is configured
var DefaultAPIKeys = []string{"test-api-key", "admin-key-123", "client-key-456"}

// Authenticator checks request credentials against a fixed allow-list of
// API keys. A token that is not on the list is always refused; requests
// without a token pass unless credentials are required.
type Authenticator struct {
	keys     map[string]struct{}
	required bool
}

// AuthOption configures an Authenticator
type AuthOption func(*Authenticator)

// RequireCredentials refuses requests that carry no token
func RequireCredentials(required bool) AuthOption {
	return func(a *Authenticator) {
		a.required = required
	}
}

// NewAuthenticator builds an authenticator from keys. Blank entries are ignored.
func NewAuthenticator(keys []string, options ...AuthOption) *Authenticator {
	a := &Authenticator{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys[k] = struct{}{}
		}
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Required reports whether anonymous requests are refused
func (a *Authenticator) Required() bool {
	return a != nil && a.required
}

// Authenticate returns ErrUnauthorized for an unknown token, or for a
// missing one when credentials are required
func (a *Authenticator) Authenticate(token string) error {
	if a == nil {
		return nil
	}
	if token == "" {
		if a.required {
			return ErrUnauthorized
		}
		return nil
	}
	if _, ok := a.keys[token]; !ok {
		return ErrUnauthorized
	}
	return nil
}
