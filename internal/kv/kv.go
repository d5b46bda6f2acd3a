// Package kv provides the generic key-value persistence interface used by
// the AI core for configuration, preferences, and credential storage.
//
// Three implementations are provided: in-memory with file snapshots (zero
// config, local dev and tests), SQLite (local database), and PostgreSQL
// (remote database). All handler and store code depends only on the Store
// interface, making the backends interchangeable.
package kv

import (
	"context"
	"errors"
)

// Store is a minimal key-value store with byte values.
type Store interface {
	// Get returns the value for a key, or *ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes or replaces the value for a key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// Keys lists keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ErrNotFound is returned when a requested key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
