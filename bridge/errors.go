package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoResponse is returned when no reply arrived before the timeout
	ErrNoResponse = errors.New("no response received")
	// ErrSessionBusy is returned when a session is already serving a call
	ErrSessionBusy = errors.New("session is busy with another call")
	// ErrSessionClosed is returned by calls on a closed session
	ErrSessionClosed = errors.New("session is closed")
	// ErrPoolClosed is returned by a closed pool
	ErrPoolClosed = errors.New("session pool is closed")
)

// CallError reports a transport failure during one step of a call
type CallError struct {
	Op            string
	CorrelationID string
	Err           error
	Timestamp     time.Time
}

func (e *CallError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("bridge call failed: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bridge call %s failed: %s: %v", e.CorrelationID, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
