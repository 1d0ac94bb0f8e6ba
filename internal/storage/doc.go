// Package storage provides the bounded in-memory history that backs the
// observability stream of the traffic-light network.
//
// # Overview
//
// The simulation produces an append-only stream of log entries: phase
// transitions, heartbeats, failure and revival notices, timing adjustments.
// Dashboards and the command line client read the recent part of that stream,
// so the history has to be cheap to append to, safe to read concurrently, and
// bounded so a long-running simulation does not grow without limit.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│              MemoryStore[T]                   │
//	├──────────────────────────────────────────────┤
//	│  items: [ e5 | e6 | e7 | e2 | e3 | e4 ]      │
//	│                      ▲head                    │
//	│  size:  6 (== capacity, oldest is e2)         │
//	├──────────────────────────────────────────────┤
//	│  Append(e8) overwrites e2, head moves right   │
//	└──────────────────────────────────────────────┘
//
// The store is a fixed-size ring buffer. Once full, every Append evicts the
// oldest item; eviction is counted in StoreStats.Evicted.
//
// # Store Interface
//
//	type Store[T any] interface {
//	    Append(item T)
//	    List() []T
//	    Tail(n int) []T
//	    Len() int
//	    Stats() StoreStats
//	}
//
// List and Tail always return freshly allocated slices in oldest-first
// order, so callers may keep or modify them freely.
//
// # Concurrency Model
//
//   - Append takes the write lock
//   - List, Tail, Len and Stats take the read lock
//   - No callbacks run while a lock is held
//
// # Performance Characteristics
//
//   - Append: O(1), no allocation after construction
//   - Tail(n): O(n) copy
//   - Memory: capacity × sizeof(T), allocated once
//
// # Usage Example
//
//	history, err := storage.NewMemoryStore[eventlog.Entry](1000)
//	if err != nil {
//	    return err
//	}
//	history.Append(entry)
//	recent := history.Tail(50)
//
// # See Also
//
//   - internal/eventlog: the broker that appends to the store
package storage
