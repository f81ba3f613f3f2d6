package cluster

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when the distributed lock cannot be taken
// within the caller's deadline.
var ErrLockTimeout = errors.New("cluster lock timeout")

// UnlockFunc releases a held distributed lock. Safe to call once.
type UnlockFunc func()

// Store is the replicated session directory with pub/sub.
// Implementations: Redis (prod), in-memory fake (tests).
type Store interface {
	// GetSession reads the ConnectionState for a session id.
	// Returns (nil, nil) when the record does not exist.
	GetSession(ctx context.Context, sessionID string) (*ConnectionState, error)

	// PutSession writes the ConnectionState, replacing any previous value.
	PutSession(ctx context.Context, state *ConnectionState) error

	// DeleteSession removes the ConnectionState.
	DeleteSession(ctx context.Context, sessionID string) error

	// Lock takes the distributed lock keyed by session id, blocking until
	// acquired or ctx expires.
	Lock(ctx context.Context, sessionID string) (UnlockFunc, error)

	// Publish broadcasts an event to every node, including this one.
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel of incoming events. The channel closes
	// when ctx is cancelled or the underlying subscription fails.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// Close releases the store's connections.
	Close() error
}
