// Package future provides a single-resolution, goroutine-safe future.
//
// A Future is settled exactly once, either with a value (Resolve) or with an
// error (Reject). Any number of goroutines may wait on it; all of them observe
// the same outcome. Handing the same *Future to several callers is how an
// in-flight operation is shared between them.
package future

import (
	"context"
	"sync"
)

// Future is the eventual outcome of an operation.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with value.
func Resolved[T any](value T) *Future[T] {
	f := New[T]()
	f.Resolve(value)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with value. It reports whether this call
// settled the future; later calls are no-ops.
func (f *Future[T]) Resolve(value T) bool {
	var zero error
	return f.settle(value, zero)
}

// Reject settles the future with err. It reports whether this call settled
// the future; later calls are no-ops.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(value T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.mu.Lock()
		f.value = value
		f.err = err
		callbacks := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range callbacks {
			cb(value, err)
		}
		settled = true
	})
	return settled
}

// Done returns a channel that is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a value or an error.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value and error. It must only be called after
// Done is closed; before that it returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Await blocks until the future settles or ctx is done. A cancelled ctx only
// abandons this wait; the future itself keeps running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnSettle registers cb to run once the future settles. If the future has
// already settled, cb runs immediately on the calling goroutine; otherwise it
// runs on the goroutine that settles the future.
func (f *Future[T]) OnSettle(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		value, err := f.value, f.err
		f.mu.Unlock()
		cb(value, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Then returns a future that settles with the outcome of f after passing it
// through fn. fn runs exactly once.
func Then[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	next := New[U]()
	f.OnSettle(func(value T, err error) {
		out, outErr := fn(value, err)
		if outErr != nil {
			next.Reject(outErr)
			return
		}
		next.Resolve(out)
	})
	return next
}
