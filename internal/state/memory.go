package state

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and local runs. It keeps
// every written version so the audit/rollback guarantees of the real
// backends can be exercised.
type MemoryStore struct {
	mu       sync.Mutex
	current  *Document
	versions []*Document
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Read implements Store. A store that has never been written returns an
// empty document with serial 0.
func (s *MemoryStore) Read(_ context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return NewDocument(), nil
	}
	return s.current.Clone(), nil
}

// WriteIfSerialMatches implements Store.
func (s *MemoryStore) WriteIfSerialMatches(_ context.Context, doc *Document, expectedSerial uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actual uint64
	if s.current != nil {
		actual = s.current.Serial
	}
	if actual != expectedSerial {
		return 0, &StaleWriteError{Expected: expectedSerial, Actual: actual}
	}

	next := doc.Clone()
	next.Serial = expectedSerial + 1
	s.current = next
	s.versions = append(s.versions, next)
	return next.Serial, nil
}

// Versions returns copies of every written version, oldest first.
func (s *MemoryStore) Versions() []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Document, len(s.versions))
	for i, v := range s.versions {
		out[i] = v.Clone()
	}
	return out
}
