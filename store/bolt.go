package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"go.etcd.io/bbolt"
)

// bucketCaches is the root bucket; each named cache is a nested bucket keyed
// by its name, holding "METHOD url" -> framed snapshot.
var bucketCaches = []byte("caches")

// BoltStorage implements Storage using bbolt.
type BoltStorage struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a BoltStorage instance.
type BoltOption func(*BoltStorage)

// WithLogger sets the logger for the storage.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStorage) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStorage) {
		b.noSync = noSync
	}
}

// NewBoltStorage creates a new BoltStorage. Call Open before use.
func NewBoltStorage(opts ...BoltOption) *BoltStorage {
	b := &BoltStorage{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltStorage) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCaches)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating bucket %s: %w", bucketCaches, err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating snapshot codec: %w", err)
	}

	b.db = db
	b.codec = codec
	b.logger.Debug("opened cache storage", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database and releases resources.
func (b *BoltStorage) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing cache storage")
	err := b.db.Close()
	b.db = nil
	return err
}

// OpenCache returns the named cache, creating it if needed.
func (b *BoltStorage) OpenCache(_ context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, errors.New("cache name must not be empty")
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache %s: %w", name, err)
	}
	return &boltCache{storage: b, name: name}, nil
}

// HasCache reports whether the named cache exists.
func (b *BoltStorage) HasCache(_ context.Context, name string) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	return exists, err
}

// DeleteCache removes the named cache and all of its records.
func (b *BoltStorage) DeleteCache(_ context.Context, name string) (bool, error) {
	var deleted bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketCaches)
		if root.Bucket([]byte(name)) == nil {
			return nil
		}
		if err := root.DeleteBucket([]byte(name)); err != nil {
			return fmt.Errorf("deleting cache %s: %w", name, err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// CacheNames returns the names of all caches.
func (b *BoltStorage) CacheNames(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Stats summarises the contents of one cache.
type Stats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Stats returns record counts and stored sizes for every cache.
func (b *BoltStorage) Stats(_ context.Context) ([]Stats, error) {
	var stats []Stats
	err := b.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketCaches)
		return root.ForEachBucket(func(name []byte) error {
			s := Stats{Name: string(name)}
			err := root.Bucket(name).ForEach(func(_, v []byte) error {
				s.Entries++
				s.Bytes += int64(len(v))
				return nil
			})
			stats = append(stats, s)
			return err
		})
	})
	return stats, err
}

// boltCache is a handle on one nested bucket.
type boltCache struct {
	storage *BoltStorage
	name    string
}

func (c *boltCache) Name() string {
	return c.name
}

func (c *boltCache) Match(_ context.Context, key offlinecache.RequestKey) (*Snapshot, error) {
	var snap *Snapshot
	err := c.storage.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key.String()))
		if val == nil {
			return ErrNotFound
		}
		// Decode copies out of the mmap before the transaction ends.
		decoded, err := c.storage.codec.Decode(val)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		snap = decoded
		return nil
	})
	return snap, err
}

func (c *boltCache) Put(ctx context.Context, snap *Snapshot) error {
	return c.PutAll(ctx, []*Snapshot{snap})
}

func (c *boltCache) PutAll(_ context.Context, snaps []*Snapshot) error {
	encoded := make([][]byte, len(snaps))
	for i, snap := range snaps {
		if !snap.Cacheable() {
			return fmt.Errorf("%s (status %d): %w", snap.Key, snap.Status, ErrNotCacheable)
		}
		data, err := c.storage.codec.Encode(snap)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", snap.Key, err)
		}
		encoded[i] = data
	}

	return c.storage.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if bucket == nil {
			return fmt.Errorf("%s: %w", c.name, ErrCacheNotFound)
		}
		for i, snap := range snaps {
			if err := bucket.Put([]byte(snap.Key.String()), encoded[i]); err != nil {
				return fmt.Errorf("putting %s: %w", snap.Key, err)
			}
		}
		return nil
	})
}

func (c *boltCache) Delete(_ context.Context, key offlinecache.RequestKey) (bool, error) {
	var deleted bool
	err := c.storage.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if bucket == nil {
			return nil
		}
		k := []byte(key.String())
		if bucket.Get(k) == nil {
			return nil
		}
		deleted = true
		return bucket.Delete(k)
	})
	return deleted, err
}

func (c *boltCache) Keys(_ context.Context) ([]offlinecache.RequestKey, error) {
	var keys []offlinecache.RequestKey
	err := c.storage.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			method, rawURL, _ := strings.Cut(string(k), " ")
			keys = append(keys, offlinecache.RequestKey{Method: method, URL: rawURL})
			return nil
		})
	})
	return keys, err
}
