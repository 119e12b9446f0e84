// Package backend provides the synchronous key/value primitive underneath the
// persistent KV store. Keys are arbitrary strings, values are opaque bytes.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when a write would exceed the backend quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidKey is returned for keys the backend cannot store.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend defines the interface for key/value backends.
// Implementations must be safe for concurrent use. Each call is atomic with
// respect to other calls on the same key.
type Backend interface {
	// Get returns the value stored at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns every key that starts with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the value at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}
