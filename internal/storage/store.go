package storage

import (
	"errors"
	"sync"
	"time"
)

// ErrEntityNotFound is returned when an entity doesn't exist in the store
var ErrEntityNotFound = errors.New("entity not found")

// Store holds the entities of one shard.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get returns an entity's state and marks it active.
	// Returns ErrEntityNotFound if the entity doesn't exist.
	Get(key string) ([]byte, error)

	// Put creates or replaces an entity and marks it active.
	Put(key string, value []byte) error

	// Delete removes an entity. No error if it doesn't exist.
	Delete(key string) error

	// List returns every entity key. Order is not guaranteed.
	List() []string

	// Active counts entities touched at or after since.
	Active(since time.Time) int

	// Expire removes entities last touched before cutoff and returns how
	// many were removed.
	Expire(cutoff time.Time) int

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Entities int `json:"entities"`
	Bytes    int `json:"bytes"`
}

type entity struct {
	touched time.Time
	value   []byte
}

// MemoryStore implements Store in memory.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryStore struct {
	data map[string]*entity
	now  func() time.Time
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store that timestamps activity with now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*entity),
		now:  now,
	}
}

// Get returns a copy of the entity's state.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return nil, ErrEntityNotFound
	}
	e.touched = m.now()

	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, nil
}

// Put stores a copy of value.
func (m *MemoryStore) Put(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = &entity{value: stored, touched: m.now()}
	return nil
}

// Delete removes an entity (idempotent).
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// List returns a fresh slice of entity keys.
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Active counts entities touched at or after since. A zero since counts all.
func (m *MemoryStore) Active(since time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if since.IsZero() {
		return len(m.data)
	}
	n := 0
	for _, e := range m.data {
		if !e.touched.Before(since) {
			n++
		}
	}
	return n
}

// Expire drops idle entities.
func (m *MemoryStore) Expire(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, e := range m.data {
		if e.touched.Before(cutoff) {
			delete(m.data, key)
			n++
		}
	}
	return n
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, e := range m.data {
		total += len(e.value)
	}
	return StoreStats{Entities: len(m.data), Bytes: total}
}

var _ Store = (*MemoryStore)(nil)
