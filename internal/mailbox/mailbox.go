// Package mailbox provides an unbounded FIFO with a coalescing wake-up
// signal, drained by exactly one worker goroutine.
//
// Producers never block. The consumer either polls with TryTake and waits
// on Wait(), or hands the loop to Drain.
package mailbox

import (
	"context"
	"sync"
)

// Queue is a thread-safe FIFO.
//
// The signal channel is buffered with size 1, so any number of Puts
// between two wake-ups coalesce into one signal. Close closes the channel,
// which wakes every waiter.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Put appends v. Safe from any goroutine.
// Returns false if the queue is closed.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryTake removes and returns the front item without blocking.
func (q *Queue[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]

	// Clear the slot so the backing array does not pin the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return v, true
}

// Wait returns a channel that signals when items may be available.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further Puts. Items already queued remain takeable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// drained reports whether the queue is closed and empty.
func (q *Queue[T]) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Drain calls fn for each item in FIFO order until the queue is closed and
// empty (returns nil) or ctx ends (returns ctx.Err()). Items queued before
// Close are still delivered.
//
// Must be called from exactly one goroutine.
func (q *Queue[T]) Drain(ctx context.Context, fn func(T)) error {
	for {
		if v, ok := q.TryTake(); ok {
			fn(v)
			continue
		}
		if q.drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.signal:
		}
	}
}
