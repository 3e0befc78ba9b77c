package grainheap

import "sync"

// Mutex serializes access to a value, for sharing one Allocator across
// goroutines: each top-level allocator call runs between Lock and Unlock,
// making operations linearizable under the lock.
type Mutex[T any] struct {
	mu    sync.Mutex
	value T
}

// NewMutex wraps value.
func NewMutex[T any](value T) *Mutex[T] {
	return &Mutex[T]{value: value}
}

// Lock takes exclusive ownership and returns the wrapped value. The caller
// must Unlock when done and must not retain the value past that.
func (m *Mutex[T]) Lock() T {
	m.mu.Lock()
	return m.value
}

// Unlock releases ownership taken by Lock.
func (m *Mutex[T]) Unlock() {
	m.mu.Unlock()
}
