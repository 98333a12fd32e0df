// Package samplebuffer provides a fixed-capacity blocking FIFO used between the
// ingestion producer and its consumers. A full buffer stalls the producer; it
// never drops and never grows.
package samplebuffer

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed buffer
// has been drained.
var ErrClosed = errors.New("samplebuffer: buffer closed")

// Buffer is a bounded FIFO safe for concurrent use. Blocked callers wait on
// condition variables, not by polling.
type Buffer[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	head     int
	count    int
	closed   bool
}

// New creates a buffer holding at most capacity items. Capacities below one
// are raised to one.
func New[T any](capacity int) *Buffer[T] {
	b := &Buffer[T]{items: make([]T, max(capacity, 1))}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Push appends v, blocking while the buffer is full. It returns ctx.Err() if
// the context ends first and ErrClosed if the buffer is or becomes closed; in
// both cases v is not stored.
func (b *Buffer[T]) Push(ctx context.Context, v T) error {
	stop := b.wakeOnDone(ctx, b.notFull)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == len(b.items) && !b.closed && ctx.Err() == nil {
		b.notFull.Wait()
	}

	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		// Pass on a wake-up this caller may have consumed.
		if b.count < len(b.items) {
			b.notFull.Signal()
		}
		return err
	}

	b.items[(b.head+b.count)%len(b.items)] = v
	b.count++
	b.notEmpty.Signal()
	return nil
}

// Pop removes and returns the oldest item, blocking while the buffer is
// empty. Items pushed before Close are still delivered; after that Pop
// returns ErrClosed.
func (b *Buffer[T]) Pop(ctx context.Context) (T, error) {
	stop := b.wakeOnDone(ctx, b.notEmpty)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed && ctx.Err() == nil {
		b.notEmpty.Wait()
	}

	var zero T
	if b.count > 0 && ctx.Err() == nil {
		return b.take(), nil
	}
	if b.count > 0 {
		b.notEmpty.Signal()
		return zero, ctx.Err()
	}
	if b.closed {
		return zero, ErrClosed
	}
	return zero, ctx.Err()
}

// TryPop returns the oldest item without blocking. The boolean is false when
// the buffer is empty.
func (b *Buffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}

	return b.take(), true
}

// Drain removes and returns everything currently buffered, oldest first.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, 0, b.count)
	for b.count > 0 {
		out = append(out, b.take())
	}
	return out
}

// Clear discards all buffered items atomically and unblocks waiting pushers.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.head = 0
	b.count = 0
	b.notFull.Broadcast()
}

// Close wakes all waiters. Further pushes fail with ErrClosed; buffered items
// can still be popped. Close is idempotent.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (b *Buffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// take pops the head item; caller must hold b.mu and ensure count > 0.
func (b *Buffer[T]) take() T {
	var zero T
	v := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.count--
	b.notFull.Signal()
	return v
}

// wakeOnDone broadcasts on cond when ctx ends so blocked waiters can observe
// the cancellation. The returned func must be called to release the hook.
func (b *Buffer[T]) wakeOnDone(ctx context.Context, cond *sync.Cond) func() bool {
	if ctx.Done() == nil {
		return func() bool { return true }
	}

	return context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cond.Broadcast()
	})
}
