// Package memory provides an in-memory kv.Store for development/testing.
package memory

import (
	"context"
	"sync"

	"github.com/contentops/indexwatch/internal/kv"
)

// Store keeps snapshots in a map guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{values: make(map[string][]byte)}
}

// Save stores a copy of value under key.
func (s *Store) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	return nil
}

// Load returns a copy of the value stored under key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}
