// Package idempotency records which requests have been executed and what
// they answered, so redelivered or resubmitted requests are not executed
// twice.
//
// A key moves through two states: reserved (the marker "processing:<owner>")
// while the first request carrying it executes, and completed once its
// response has been stored. Both states expire after the configured TTL.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/shelfbridge/contracts"
)

const (
	// DefaultTTL is how long a key and its response are remembered
	DefaultTTL = time.Hour
	// DefaultKeyPrefix namespaces keys in a shared backend
	DefaultKeyPrefix = "idempotency:"

	markerCompleted  = "completed"
	markerProcessing = "processing:"
	responseSuffix   = ":response"
)

var (
	// ErrEmptyKey is returned when an operation is given an empty key
	ErrEmptyKey = errors.New("idempotency: empty key")
	// ErrStoreClosed is returned after Close
	ErrStoreClosed = errors.New("idempotency: store is closed")
)

// Store is the backend used by the request dispatcher
type Store interface {
	// Reserve atomically claims key for owner. It returns duplicate=false
	// only when the key was free.
	Reserve(ctx context.Context, key, owner string, ttl time.Duration) (duplicate bool, err error)
	// Resume is Reserve for a redelivered request: a key still reserved by
	// the same owner is handed back to it.
	Resume(ctx context.Context, key, owner string, ttl time.Duration) (duplicate bool, err error)
	// Release drops a reservation still held by owner. Completed keys and
	// keys held by another owner are left alone.
	Release(ctx context.Context, key, owner string) error
	// GetCachedResponse returns the stored response body for key, if any
	GetCachedResponse(ctx context.Context, key string) (body []byte, found bool, err error)
	// StoreResponse records the final response for key and marks it completed
	StoreResponse(ctx context.Context, key string, resp *contracts.ResponseMessage, ttl time.Duration) error
	// Sweep removes keys with no expiry or with a remaining TTL above maxAge
	Sweep(ctx context.Context, maxAge time.Duration) (removed int, err error)
	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error
	// Close releases backend resources
	Close() error
}

// StoreError wraps a backend failure
type StoreError struct {
	Op        string
	Key       string
	Err       error
	Timestamp time.Time
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("idempotency store error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("idempotency store error: %s failed for key %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err, Timestamp: time.Now()}
}

func processingMarker(owner string) string {
	return markerProcessing + owner
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
