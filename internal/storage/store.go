package storage

import (
	"errors"
	"sync"
)

// ErrInvalidCapacity is returned when a store is created without room for any item.
var ErrInvalidCapacity = errors.New("capacity must be positive")

// Store defines the interface for append-only history storage
// All implementations must be thread-safe for concurrent access
type Store[T any] interface {
	// Append adds an item at the tail
	// Evicts the oldest item when the store is full
	Append(item T)

	// List returns all retained items, oldest first
	List() []T

	// Tail returns at most n of the newest items, oldest first
	// n <= 0 returns every retained item
	Tail(n int) []T

	// Len returns the number of retained items
	Len() int

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Retained int    // Number of items currently held
	Capacity int    // Maximum number of items held
	Appended uint64 // Items appended since creation
	Evicted  uint64 // Items dropped to make room
}

// MemoryStore implements Store with a fixed-size ring buffer
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore[T any] struct {
	mu       sync.RWMutex // Protects concurrent access
	items    []T          // Ring buffer storage
	head     int          // Index of the oldest item
	size     int          // Number of retained items
	appended uint64
	evicted  uint64
}

// NewMemoryStore creates a new in-memory store holding at most capacity items
func NewMemoryStore[T any](capacity int) (*MemoryStore[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &MemoryStore[T]{
		items: make([]T, capacity),
	}, nil
}

// Append adds an item, overwriting the oldest one when full
func (m *MemoryStore[T]) Append(item T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appended++
	if m.size < len(m.items) {
		m.items[(m.head+m.size)%len(m.items)] = item
		m.size++
		return
	}

	// Full: the slot of the oldest item receives the new one
	m.items[m.head] = item
	m.head = (m.head + 1) % len(m.items)
	m.evicted++
}

// List returns a copy of all retained items, oldest first
func (m *MemoryStore[T]) List() []T {
	return m.Tail(0)
}

// Tail returns a copy of the newest n items, oldest first
func (m *MemoryStore[T]) Tail(n int) []T {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]T, n)
	start := m.head + m.size - n
	for i := 0; i < n; i++ {
		out[i] = m.items[(start+i)%len(m.items)]
	}
	return out
}

// Len returns the number of retained items
func (m *MemoryStore[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Stats returns storage statistics
func (m *MemoryStore[T]) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Retained: m.size,
		Capacity: len(m.items),
		Appended: m.appended,
		Evicted:  m.evicted,
	}
}
