package actor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Next once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// ErrTimeout is returned by Await when no reply arrives in time.
var ErrTimeout = errors.New("actor call timed out")

// Mailbox is a thread-safe FIFO queue of messages for one actor.
//
// The mailbox is unbounded so senders never block on a slow actor;
// backpressure is applied explicitly where the system needs it (intake
// observes scheduler queue depth).
//
// The mailbox uses a 1-buffered channel for signaling to enable
// context-aware waiting in the actor loop.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Send appends a message. Returns false if the mailbox is closed.
// Safe to call from any goroutine.
func (m *Mailbox[T]) Send(msg T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, msg)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// TryReceive removes and returns the front message without blocking.
func (m *Mailbox[T]) TryReceive() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	msg := m.items[0]

	// Clear the slot so the backing array does not retain the message.
	m.items[0] = zero
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return msg, true
}

// Next blocks until a message is available, ctx is done, or the mailbox
// is closed and empty.
func (m *Mailbox[T]) Next(ctx context.Context) (T, error) {
	for {
		if msg, ok := m.TryReceive(); ok {
			return msg, nil
		}
		var zero T
		if m.isClosed() {
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-m.signal:
		}
	}
}

// Wait returns a channel that signals when messages may be available.
// Use with select alongside timers:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-mb.Wait():
//	    // TryReceive until empty
//	}
func (m *Mailbox[T]) Wait() <-chan struct{} {
	return m.signal
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting messages. Queued messages stay receivable.
// Wakes any blocked waiter by closing the signal channel.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}

// Closed reports whether Close was called.
func (m *Mailbox[T]) Closed() bool {
	return m.isClosed()
}

func (m *Mailbox[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Await waits for a reply on ch, bounded by ctx and timeout.
// A timeout of zero waits on ctx only.
func Await[T any](ctx context.Context, ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-expired:
		return zero, ErrTimeout
	}
}
