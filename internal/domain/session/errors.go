package session

import "errors"

var (
	// ErrAlreadyStarted is returned by Start when the pump is already
	// running. Indicates a benign race with a concurrent request.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrAlreadyStopped is returned by Stop when the pump is not running.
	ErrAlreadyStopped = errors.New("session already stopped")

	// ErrAlreadyClosed is returned by any operation on a session whose
	// cancellation token has tripped.
	ErrAlreadyClosed = errors.New("session already closed")

	// ErrTimeout is returned when a channel guard cannot be acquired or a
	// stopping pump does not drain within 5 seconds. Fatal.
	ErrTimeout = errors.New("timeout")
)
