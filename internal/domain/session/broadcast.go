package session

import (
	"context"
	"errors"
	"sync"
)

// broadcastCapacity is the per-receiver buffer of every broadcast channel
// in a tunnel. A receiver that falls more than this many frames behind
// starts losing the oldest ones.
const broadcastCapacity = 16

var (
	// ErrClosed is returned by Recv after the broadcast channel is closed.
	// Terminal: no further frames will arrive.
	ErrClosed = errors.New("broadcast channel closed")
)

// LagError reports that a receiver fell behind and dropped frames. It is
// advisory: the receiver may keep consuming. MCP's request/reply pattern
// surfaces the missing replies as client-side timeouts, which retry.
type LagError struct {
	Dropped uint64
}

func (e *LagError) Error() string {
	return "broadcast receiver lagged"
}

// Broadcast is a bounded fan-out channel. Send never blocks: when a
// receiver's buffer is full, its oldest frame is dropped and the loss is
// reported on that receiver's next Recv. A send with zero receivers
// silently discards the message.
type Broadcast[T any] struct {
	mu     sync.Mutex
	subs   map[*Receiver[T]]struct{}
	closed bool
}

// NewBroadcast creates an empty broadcast channel.
func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{subs: make(map[*Receiver[T]]struct{})}
}

// Subscribe registers a new receiver. Subscribing to a closed broadcast
// yields a receiver that immediately reports ErrClosed.
func (b *Broadcast[T]) Subscribe() *Receiver[T] {
	r := &Receiver[T]{
		parent: b,
		ch:     make(chan T, broadcastCapacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(r.ch)
		return r
	}
	b.subs[r] = struct{}{}
	return r
}

// Send delivers v to every current receiver, dropping the oldest buffered
// frame of any receiver that is full. Returns the number of receivers the
// frame was delivered to.
func (b *Broadcast[T]) Send(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for r := range b.subs {
		select {
		case r.ch <- v:
		default:
			// Full: evict the oldest frame so the newest survives.
			select {
			case <-r.ch:
				r.mu.Lock()
				r.dropped++
				r.mu.Unlock()
			default:
			}
			select {
			case r.ch <- v:
			default:
			}
		}
		delivered++
	}
	return delivered
}

// Close terminates the channel. All receivers drain their buffers and then
// observe ErrClosed. Idempotent.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for r := range b.subs {
		close(r.ch)
	}
	b.subs = nil
}

// Receiver consumes frames from a Broadcast.
type Receiver[T any] struct {
	parent *Broadcast[T]
	ch     chan T

	mu      sync.Mutex
	dropped uint64
}

// C exposes the receive channel for use in select statements. A closed
// channel signals termination; callers multiplexing over C must also call
// TakeLag to observe drops.
func (r *Receiver[T]) C() <-chan T {
	return r.ch
}

// TakeLag returns the number of frames dropped since the last call and
// resets the counter.
func (r *Receiver[T]) TakeLag() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.dropped
	r.dropped = 0
	return n
}

// Recv returns the next frame. It reports a *LagError (advisory,
// recoverable) when frames were dropped since the last call, ErrClosed
// when the channel terminated, or the context error.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if n := r.TakeLag(); n > 0 {
		return zero, &LagError{Dropped: n}
	}

	select {
	case v, ok := <-r.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Unsubscribe detaches the receiver from the broadcast. Frames already
// buffered remain readable via C.
func (r *Receiver[T]) Unsubscribe() {
	b := r.parent
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.subs[r]; ok {
		delete(b.subs, r)
		close(r.ch)
	}
}
