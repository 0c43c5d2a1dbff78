package monitoring

import "sync"

// registry maps an opaque OS id (hook handle or hook thread id) to the
// source that owns it. OS callbacks are plain functions, so they look
// their owner up here instead of through a package-level instance.
type registry[T any] struct {
	mu     sync.RWMutex
	owners map[uintptr]T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{owners: make(map[uintptr]T)}
}

func (r *registry[T]) add(id uintptr, owner T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[id] = owner
}

func (r *registry[T]) remove(id uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, id)
}

func (r *registry[T]) lookup(id uintptr) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	return owner, ok
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
