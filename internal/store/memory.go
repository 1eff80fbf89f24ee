package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and when no state
// directory is available.
type MemoryStore[T any] struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory store
func NewMemory[T any]() Store[T] {
	return &MemoryStore[T]{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
func (s *MemoryStore[T]) Get(ctx context.Context, key string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key
func (s *MemoryStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

// Delete removes a value by key
func (s *MemoryStore[T]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore[T]) Close() error {
	return nil
}
