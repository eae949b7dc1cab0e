package store

import (
	"sync"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
)

// MemoryStore is a concurrency-safe in-memory feed.TableStore. Tables are
// copied on the way in and out, so callers never share rows with the store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: sensor id, value: cached table
	data map[feed.SensorID]*feed.Table

	saves int
}

var _ feed.TableStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[feed.SensorID]*feed.Table),
	}
}

// Load returns a copy of the cached table of id.
func (s *MemoryStore) Load(id feed.SensorID) (*feed.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Save replaces the cached table of id.
func (s *MemoryStore) Save(id feed.SensorID, t *feed.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[id] = t.Clone()
	s.saves++
	return nil
}

// Saves returns how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
