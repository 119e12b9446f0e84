// Package kvstore implements the persistent key/value store used by the
// network-aware fetcher. Entries carry their write time and are expired
// lazily on read against a caller-supplied max age; there is no background
// sweep and no eviction policy.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultNamespace prefixes every key written by a Store.
	DefaultNamespace = "kenpolimarket-v1"

	// DefaultMaxAge is used by Load when the caller passes a max age <= 0.
	DefaultMaxAge = 24 * time.Hour

	separator = ":"
)

var (
	// ErrNotFound is returned when no usable entry exists for a key.
	ErrNotFound = errors.New("kv entry not found")

	// ErrExpired is returned when the entry was older than the max age.
	// The entry has been deleted by the time the caller sees this error.
	ErrExpired = fmt.Errorf("%w: expired", ErrNotFound)

	// ErrCorrupt is returned when the stored bytes do not decode as an entry.
	ErrCorrupt = fmt.Errorf("%w: corrupt entry", ErrNotFound)
)

// Entry is the persisted form of a value.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// WrittenAt returns the entry timestamp as a time.
func (e *Entry) WrittenAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Decode unmarshals the entry data into v.
func (e *Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Store is a namespaced key/value store over a backend. Construct one per
// namespace and pass it to whatever needs it.
type Store struct {
	backend   backend.Backend
	namespace string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the key namespace.
func WithNamespace(namespace string) Option {
	return func(s *Store) {
		s.namespace = namespace
	}
}

// WithNow sets the clock used for timestamps and expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store over b.
func New(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend:   b,
		namespace: DefaultNamespace,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kvstore", "namespace", s.namespace)
	return s
}

// Namespace returns the key namespace.
func (s *Store) Namespace() string {
	return s.namespace
}

// StorageKey returns the backend key for key.
func (s *Store) StorageKey(key string) string {
	return s.namespace + separator + key
}

func (s *Store) prefix() string {
	return s.namespace + separator
}

// Save writes data under key, overwriting any prior value. data must be
// JSON-serialisable; a json.RawMessage is stored as-is.
func (s *Store) Save(ctx context.Context, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("failed to encode entry", "key", key, "error", err)
		telemetry.RecordKVOp(ctx, "save", "error")
		return fmt.Errorf("encoding data for %q: %w", key, err)
	}

	payload, err := json.Marshal(Entry{
		Key:       key,
		Data:      raw,
		Timestamp: s.now().UnixMilli(),
	})
	if err != nil {
		telemetry.RecordKVOp(ctx, "save", "error")
		return fmt.Errorf("encoding entry %q: %w", key, err)
	}

	if err := s.backend.Set(ctx, s.StorageKey(key), payload); err != nil {
		s.logger.Warn("failed to save entry", "key", key, "error", err)
		telemetry.RecordKVOp(ctx, "save", "error")
		return fmt.Errorf("saving %q: %w", key, err)
	}

	telemetry.RecordKVOp(ctx, "save", "success")
	return nil
}

// Load returns the entry for key. An entry older than maxAge is deleted and
// reported as ErrExpired; maxAge <= 0 means DefaultMaxAge. Missing and
// undecodable entries report errors that match ErrNotFound.
func (s *Store) Load(ctx context.Context, key string, maxAge time.Duration) (*Entry, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	payload, err := s.backend.Get(ctx, s.StorageKey(key))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			telemetry.RecordKVOp(ctx, "load", "miss")
			return nil, ErrNotFound
		}
		s.logger.Warn("failed to read entry", "key", key, "error", err)
		telemetry.RecordKVOp(ctx, "load", "error")
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		s.logger.Warn("corrupt entry", "key", key, "error", err)
		telemetry.RecordKVOp(ctx, "load", "corrupt")
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	if age := s.now().Sub(entry.WrittenAt()); age > maxAge {
		if err := s.backend.Delete(ctx, s.StorageKey(key)); err != nil {
			s.logger.Warn("failed to delete expired entry", "key", key, "error", err)
		}
		s.logger.Debug("entry expired", "key", key, "age", age, "max_age", maxAge)
		telemetry.RecordKVOp(ctx, "load", "expired")
		return nil, ErrExpired
	}

	telemetry.RecordKVOp(ctx, "load", "success")
	return &entry, nil
}

// LoadJSON loads key and decodes its data into v.
func (s *Store) LoadJSON(ctx context.Context, key string, maxAge time.Duration, v any) error {
	entry, err := s.Load(ctx, key, maxAge)
	if err != nil {
		return err
	}
	if err := entry.Decode(v); err != nil {
		return fmt.Errorf("decoding data for %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, s.StorageKey(key)); err != nil {
		s.logger.Warn("failed to remove entry", "key", key, "error", err)
		telemetry.RecordKVOp(ctx, "remove", "error")
		return fmt.Errorf("removing %q: %w", key, err)
	}
	telemetry.RecordKVOp(ctx, "remove", "success")
	return nil
}

// Clear deletes every key in the namespace and leaves all other keys alone.
// It keeps going after a failed delete and returns the joined errors.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx, s.prefix())
	if err != nil {
		telemetry.RecordKVOp(ctx, "clear", "error")
		return fmt.Errorf("listing keys: %w", err)
	}

	var errs []error
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			s.logger.Warn("failed to clear entry", "storage_key", k, "error", err)
			errs = append(errs, fmt.Errorf("deleting %q: %w", k, err))
		}
	}

	if len(errs) > 0 {
		telemetry.RecordKVOp(ctx, "clear", "error")
		return errors.Join(errs...)
	}
	s.logger.Debug("cleared namespace", "entries", len(keys))
	telemetry.RecordKVOp(ctx, "clear", "success")
	return nil
}

// Keys returns the application keys in the namespace, in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx, s.prefix())
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, s.prefix()))
	}
	return out, nil
}

// SizeEstimate returns the total serialised size in bytes of the namespace:
// every storage key plus its value. It is for diagnostics only.
func (s *Store) SizeEstimate(ctx context.Context) (int64, error) {
	keys, err := s.backend.Keys(ctx, s.prefix())
	if err != nil {
		return 0, fmt.Errorf("listing keys: %w", err)
	}

	sized, _ := s.backend.(backend.SizeAwareBackend)

	var total int64
	for _, k := range keys {
		n, err := s.valueSize(ctx, sized, k)
		if errors.Is(err, backend.ErrNotFound) {
			// deleted since listing
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("sizing %q: %w", k, err)
		}
		total += int64(len(k)) + n
	}
	return total, nil
}

func (s *Store) valueSize(ctx context.Context, sized backend.SizeAwareBackend, key string) (int64, error) {
	if sized != nil {
		return sized.Size(ctx, key)
	}
	v, err := s.backend.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return int64(len(v)), nil
}
