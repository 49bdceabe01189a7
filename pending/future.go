package pending

import (
	"context"
	"sync/atomic"
)

// Future is a one-shot result: it resolves exactly once, to a value or an
// error. Later resolutions are ignored.
type Future[T any] struct {
	resolved atomic.Bool
	done     chan struct{}
	value    T
	err      error
}

// NewFuture creates an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve completes the future. It reports false when the future was
// already resolved, in which case the arguments are discarded.
func (f *Future[T]) Resolve(value T, err error) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	f.value = value
	f.err = err
	close(f.done)
	return true
}

// Succeed resolves the future with a value.
func (f *Future[T]) Succeed(value T) bool {
	return f.Resolve(value, nil)
}

// Fail resolves the future with an error.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.Resolve(zero, err)
}

// Resolved reports whether Resolve has been called.
func (f *Future[T]) Resolved() bool {
	return f.resolved.Load()
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	return f.value, f.err
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
