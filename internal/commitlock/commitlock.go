// Package commitlock serializes file-set mutations per project. Change log
// applies and snapshot restores take the same lock so at most one commit is
// in flight for a project at a time.
package commitlock

import "sync"

// Registry hands out one mutex per key.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for the key, blocking until it is free, and returns
// the unlock function.
func (r *Registry) Lock(key string) func() {
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
