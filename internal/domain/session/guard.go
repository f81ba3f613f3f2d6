package session

import (
	"context"
	"sync"
	"time"
)

// guardAcquireTimeout bounds how long a caller waits for the previous
// holder to return a channel endpoint.
const guardAcquireTimeout = 5 * time.Second

// Guard grants temporary exclusive ownership of one tunnel endpoint.
// Close re-deposits the endpoint asynchronously so a later acquirer can
// obtain it; callers must always close, typically via defer.
type Guard[T any] struct {
	inner   T
	once    sync.Once
	release func(T)
}

func newGuard[T any](inner T, release func(T)) *Guard[T] {
	return &Guard[T]{inner: inner, release: release}
}

// Inner returns the held endpoint. Invalid after Close.
func (g *Guard[T]) Inner() T {
	return g.inner
}

// Close returns the endpoint to the session. Idempotent. The re-deposit
// runs on its own goroutine so Close never blocks the caller's teardown
// path.
func (g *Guard[T]) Close() {
	g.once.Do(func() {
		go g.release(g.inner)
	})
}

// CloseGuard keeps a session alive for the duration of an SSE response.
// Closing it trips the session's cancellation token, which terminates the
// pump and removes the session from its manager.
type CloseGuard struct {
	sessionID string
	once      sync.Once
	cancel    context.CancelFunc
}

// SessionID returns the id of the guarded session.
func (g *CloseGuard) SessionID() string {
	return g.sessionID
}

// Close cancels the session. Idempotent.
func (g *CloseGuard) Close() {
	g.once.Do(func() {
		go g.cancel()
	})
}

// slot is a mutex-guarded holder for one tunnel endpoint. The drop-return
// protocol swaps the endpoint out on acquisition and back in on guard
// close.
type slot[T any] struct {
	mu      sync.Mutex
	v       T
	present bool
}

func newSlot[T any](v T) *slot[T] {
	return &slot[T]{v: v, present: true}
}

func (s *slot[T]) take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		var zero T
		return zero, false
	}
	s.present = false
	return s.v, true
}

func (s *slot[T]) put(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	s.present = true
}

// notifier wakes every waiter at once. Waiters grab the channel before
// re-checking their condition so a notify between check and wait is never
// lost.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) notifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// acquireSlot implements the guarded take with the 5 second bound.
func acquireSlot[T any](ctx context.Context, s *slot[T], n *notifier, cancelled <-chan struct{}) (T, error) {
	var zero T
	timer := time.NewTimer(guardAcquireTimeout)
	defer timer.Stop()

	for {
		w := n.wait()
		if v, ok := s.take(); ok {
			return v, nil
		}
		select {
		case <-w:
		case <-timer.C:
			return zero, ErrTimeout
		case <-cancelled:
			return zero, ErrAlreadyClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
