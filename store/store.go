// Package store provides the named cache stores used by the intercept worker.
//
// A Storage holds any number of named caches. Each cache maps a request
// identity (method + URL) to a response snapshot. Caches are created and
// deleted as a unit; there is no per-entry expiry at this layer.
package store

import (
	"context"
	"errors"

	offlinecache "github.com/wolfeidau/offline-cache"
)

var (
	// ErrNotFound is returned when a cache has no record for a request.
	ErrNotFound = errors.New("store: not found")

	// ErrCacheNotFound is returned when writing to a cache that was deleted
	// after it was opened.
	ErrCacheNotFound = errors.New("store: cache not found")

	// ErrNotCacheable is returned when a snapshot without a 200 status is written.
	ErrNotCacheable = errors.New("store: response is not cacheable")
)

// Storage enumerates, opens and deletes named caches.
// Implementations must be safe for concurrent use.
type Storage interface {
	// OpenCache returns the named cache, creating it if it does not exist.
	OpenCache(ctx context.Context, name string) (Cache, error)

	// HasCache reports whether the named cache exists.
	HasCache(ctx context.Context, name string) (bool, error)

	// DeleteCache removes the named cache and every record in it.
	// Returns false if the cache did not exist.
	DeleteCache(ctx context.Context, name string) (bool, error)

	// CacheNames returns the names of all caches in lexical order.
	CacheNames(ctx context.Context) ([]string, error)
}

// Cache is a single named cache.
// Every individual read or write is atomic; sequences of calls are not.
type Cache interface {
	Name() string

	// Match returns the snapshot stored for key.
	// Returns ErrNotFound if there is none.
	Match(ctx context.Context, key offlinecache.RequestKey) (*Snapshot, error)

	// Put stores snap, replacing any previous record for the same key.
	Put(ctx context.Context, snap *Snapshot) error

	// PutAll stores every snapshot or none of them.
	PutAll(ctx context.Context, snaps []*Snapshot) error

	// Delete removes the record for key. Returns false if it did not exist.
	Delete(ctx context.Context, key offlinecache.RequestKey) (bool, error)

	// Keys returns the identities of all records in the cache.
	Keys(ctx context.Context) ([]offlinecache.RequestKey, error)
}
