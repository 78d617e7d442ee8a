package memory

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store is a thread-safe in-memory directory of values keyed by ID.
// The multiplexer keeps its sessions here so that timers and other weak
// references can hold an ID and find out whether the session still exists.
type Store[V any] struct {
	entries *xsync.MapOf[uuid.UUID, V]
}

// New creates an empty in-memory store.
func New[V any]() *Store[V] {
	return &Store[V]{entries: xsync.NewMapOf[uuid.UUID, V]()}
}

// Create stores v under a fresh random ID and returns the ID.
func (s *Store[V]) Create(v V) uuid.UUID {
	for {
		id := uuid.New()
		if _, loaded := s.entries.LoadOrStore(id, v); !loaded {
			return id
		}
	}
}

// Get retrieves a value by ID.
// Returns false if the ID does not exist.
func (s *Store[V]) Get(id uuid.UUID) (V, bool) {
	return s.entries.Load(id)
}

// Delete removes a value from the store and reports whether it was present.
func (s *Store[V]) Delete(id uuid.UUID) bool {
	_, ok := s.entries.LoadAndDelete(id)
	return ok
}

// Count returns the number of values currently in the store.
func (s *Store[V]) Count() int {
	return s.entries.Size()
}

// Range calls fn for every entry until fn returns false.
// Entries added or removed during the walk may or may not be visited.
func (s *Store[V]) Range(fn func(id uuid.UUID, v V) bool) {
	s.entries.Range(fn)
}
