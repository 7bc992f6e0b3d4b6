// Package kv defines the interface for durable key-value snapshot storage.
// By using an interface, we decouple the tracker from a specific backend,
// allowing Postgres or GCS in production and an in-memory map in tests.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no value exists for a key.
var ErrNotFound = errors.New("kv: key not found")

// Store is an opaque key to JSON-blob store. It carries no business logic;
// callers own serialization and decide how to react to failures.
type Store interface {
	// Save writes the value under key, replacing any prior value.
	Save(ctx context.Context, key string, value []byte) error

	// Load returns the value stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
}

// NoOpStore discards writes and never finds anything. It is useful for
// running the service without durability.
type NoOpStore struct{}

// Save for NoOpStore does nothing and returns nil.
func (NoOpStore) Save(_ context.Context, _ string, _ []byte) error { return nil }

// Load for NoOpStore always reports a missing key.
func (NoOpStore) Load(_ context.Context, _ string) ([]byte, error) { return nil, ErrNotFound }
