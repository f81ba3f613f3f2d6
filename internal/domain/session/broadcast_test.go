package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	r1 := b.Subscribe()
	r2 := b.Subscribe()

	if got := b.Send(42); got != 2 {
		t.Fatalf("Send() delivered = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i, r := range []*Receiver[int]{r1, r2} {
		v, err := r.Recv(ctx)
		if err != nil {
			t.Fatalf("receiver %d: Recv() error = %v", i, err)
		}
		if v != 42 {
			t.Errorf("receiver %d: Recv() = %d, want 42", i, v)
		}
	}
}

func TestBroadcastSendWithoutReceivers(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	if got := b.Send(1); got != 0 {
		t.Errorf("Send() delivered = %d, want 0", got)
	}
}

func TestBroadcastDropsOldestOnLag(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	r := b.Subscribe()

	// Overflow the buffer by three.
	for i := 0; i < broadcastCapacity+3; i++ {
		b.Send(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := r.Recv(ctx)
	var lag *LagError
	if !errors.As(err, &lag) {
		t.Fatalf("Recv() error = %v, want *LagError", err)
	}
	if lag.Dropped != 3 {
		t.Errorf("LagError.Dropped = %d, want 3", lag.Dropped)
	}

	// The lag report is advisory: the next Recv yields the oldest
	// surviving frame.
	v, err := r.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() after lag error = %v", err)
	}
	if v != 3 {
		t.Errorf("Recv() after lag = %d, want 3", v)
	}
}

func TestBroadcastCloseTerminatesReceivers(t *testing.T) {
	b := NewBroadcast[int]()
	r := b.Subscribe()

	b.Send(7)
	b.Close()
	b.Close() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Buffered frames drain before the terminal error.
	v, err := r.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if v != 7 {
		t.Errorf("Recv() = %d, want 7", v)
	}

	if _, err := r.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() after close error = %v, want ErrClosed", err)
	}
}

func TestBroadcastSubscribeAfterClose(t *testing.T) {
	b := NewBroadcast[int]()
	b.Close()

	r := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := r.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() error = %v, want ErrClosed", err)
	}
}

func TestReceiverUnsubscribe(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	r1 := b.Subscribe()
	r2 := b.Subscribe()
	r1.Unsubscribe()

	if got := b.Send(1); got != 1 {
		t.Errorf("Send() delivered = %d, want 1", got)
	}
	_ = r2
}

func TestReceiverRecvContextCancel(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	r := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Recv() error = %v, want context.Canceled", err)
	}
}
