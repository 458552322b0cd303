// Package pending tracks in-flight operations by identifier so that
// concurrent requests for the same operation share one outcome.
//
// The registry maps an identifier (for example "subscription:<slug>") to the
// future of the operation that was started for it. While an entry exists,
// every WaitFor call for that identifier gets the same future back and the
// factory that would start a new operation is never invoked. Entries are not
// removed when their operation succeeds; callers remove them explicitly with
// StopWaiting or Release.
package pending

import (
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/carina-go/pkg/future"
)

// Factory starts an operation and returns its future.
type Factory[T any] func() *future.Future[T]

// Registry holds at most one future per identifier.
type Registry[T any] struct {
	mu      sync.Mutex
	waiting map[string]*future.Future[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		waiting: make(map[string]*future.Future[T]),
	}
}

// WaitFor returns the future stored under id. If there is none, it stores a
// new future under id, invokes factory and settles the stored future with the
// outcome of factory's future. Only the lookup and insert hold the lock:
// factory runs once per live entry, on the calling goroutine, and callers for
// other identifiers are never held up by it. Callers joining while factory
// runs receive the stored future.
func (r *Registry[T]) WaitFor(id string, factory Factory[T]) *future.Future[T] {
	r.mu.Lock()
	if f, ok := r.waiting[id]; ok {
		r.mu.Unlock()
		return f
	}
	f := future.New[T]()
	r.waiting[id] = f
	r.mu.Unlock()

	factory().OnSettle(func(value T, err error) {
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(value)
	})
	return f
}

// StopWaiting removes the entry for id, if any. Futures already returned to
// callers are left untouched.
func (r *Registry[T]) StopWaiting(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiting, id)
}

// Release removes the entry for id only if it is still f. It reports whether
// an entry was removed.
func (r *Registry[T]) Release(id string, f *future.Future[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.waiting[id]; ok && current == f {
		delete(r.waiting, id)
		return true
	}
	return false
}

// Has reports whether an entry exists for id.
func (r *Registry[T]) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiting[id]
	return ok
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

// Identifiers returns the current identifiers in sorted order.
func (r *Registry[T]) Identifiers() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.waiting))
	for id := range r.waiting {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}
