package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when an enqueue is attempted with no
	// payload. Empty writes are rejected, never silently dropped.
	ErrEmptyPayload = errors.New("message payload cannot be empty")

	// ErrEndOfSession signals that a session's backlog is drained and
	// the receiver should close its handle.
	ErrEndOfSession = errors.New("end of session")

	// ErrSessionLockLost signals that the session lease expired or was
	// reclaimed; in-flight messages will be redelivered to the next
	// holder.
	ErrSessionLockLost = errors.New("session lock lost")

	// ErrNoSessionAvailable is returned when a bounded wait for the
	// next available session elapses with no session carrying backlog.
	ErrNoSessionAvailable = errors.New("no session available")
)

// ProcessingError wraps a handler failure with the message context
// needed for retry and dead-letter decisions.
type ProcessingError struct {
	MessageID string
	Type      string
	TenantID  string
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed for message %s (%s): %v", e.MessageID, e.Type, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsRetryable reports whether redelivery may succeed.
func (e *ProcessingError) IsRetryable() bool { return e.Retryable }
