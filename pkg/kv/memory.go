package kv

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-memory implementation of Store for testing and
// ephemeral runs. Values are copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed atomic.Bool
}

// NewMemoryStore creates a new in-memory key-value store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
