package wpal

import (
	"context"
	"sync"
)

// completion turns a single callback-based operation into something a goroutine can wait on.
// Complete may be called from any OS thread, before or after the waiter shows up;
// only the first call counts.
type completion[T any] struct {
	mu        sync.Mutex
	completed bool
	done      chan struct{}

	value T
	err   error
}

func newCompletion[T any]() *completion[T] {
	return &completion[T]{done: make(chan struct{})}
}

// Complete records the outcome and wakes the waiter, if any. It reports false
// when the operation had already completed, in which case the call is ignored.
func (c *completion[T]) Complete(value T, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completed {
		return false
	}

	c.completed = true
	c.value = value
	c.err = err
	close(c.done)

	return true
}

// Wait blocks until Complete has been called or ctx is done
func (c *completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Completed reports whether the operation finished without blocking
func (c *completion[T]) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.completed
}
