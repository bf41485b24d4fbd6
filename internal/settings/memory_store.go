package settings

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory settings store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	vals map[string]Setting
}

// NewMemoryStore creates a new in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vals: make(map[string]Setting)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.vals[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Set(_ context.Context, s *Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.vals[s.Key] = *s
	return nil
}
