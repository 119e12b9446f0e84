// Package expiry trims the worker's runtime cache. The runtime store grows
// with every cacheable response the worker sees; a Manager removes records
// stored longer ago than a TTL and, when the store is over a byte budget,
// the oldest records until it fits. Nothing runs unless configured.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Config holds expiration configuration.
type Config struct {
	// TTL is the time-to-live for runtime records since they were stored.
	// Zero means no TTL-based expiration.
	TTL time.Duration

	// MaxBytes is the maximum total body size of the runtime cache.
	// When exceeded, the oldest records are removed until under the limit.
	// Zero means no size limit.
	MaxBytes int64

	// CheckInterval is how often to run expiration checks.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// Enabled reports whether either limit is set.
func (c Config) Enabled() bool {
	return c.TTL > 0 || c.MaxBytes > 0
}

// CacheSource returns the cache to trim, or nil when there is none. It is
// called at the start of every run so that a new worker version is picked up.
type CacheSource func() store.Cache

// Manager removes stale records from the runtime cache.
type Manager struct {
	config Config
	source CacheSource
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(source CacheSource, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		source: source,
		logger: cfg.Logger.With("component", "expiry"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops background expiration checks and waits for a run in progress.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Result contains the results of an expiration run.
type Result struct {
	Cache      string        `json:"cache,omitempty"`
	TTLExpired int           `json:"ttl_expired"`
	Evicted    int           `json:"evicted"`
	BytesFreed int64         `json:"bytes_freed"`
	Remaining  int           `json:"remaining"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration_ns"`
}

type record struct {
	key      offlinecache.RequestKey
	size     int64
	storedAt time.Time
}

// RunOnce performs a single expiration check using the configured limits.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	cache := m.source()
	if cache == nil {
		return result
	}
	result.Cache = cache.Name()

	m.logger.Debug("starting expiration check", "cache", cache.Name())

	records, err := m.list(ctx, cache)
	if err != nil {
		m.logger.Error("failed to list runtime cache", "cache", cache.Name(), "error", err)
		result.Errors++
		return result
	}

	// Phase 1: TTL expiration
	if m.config.TTL > 0 {
		records = m.expireOlderThan(ctx, cache, records, m.config.TTL, "ttl", result)
	}

	// Phase 2: oldest-first eviction if over the byte budget
	if m.config.MaxBytes > 0 {
		records = m.evictOverBudget(ctx, cache, records, result)
	}

	result.Remaining = len(records)
	result.Duration = m.now().Sub(start)

	if result.TTLExpired > 0 || result.Evicted > 0 {
		m.logger.Info("expiration complete",
			"cache", cache.Name(),
			"ttl_expired", result.TTLExpired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire", "cache", cache.Name())
	}

	return result
}

// ForceExpire immediately removes records stored more than olderThan ago,
// regardless of the configured limits.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *Result {
	start := m.now()
	result := &Result{}

	cache := m.source()
	if cache == nil {
		return result
	}
	result.Cache = cache.Name()

	records, err := m.list(ctx, cache)
	if err != nil {
		result.Errors++
		return result
	}

	remaining := m.expireOlderThan(ctx, cache, records, olderThan, "forced", result)
	result.Remaining = len(remaining)
	result.Duration = m.now().Sub(start)
	return result
}

// list reads the stored time and body size of every record.
func (m *Manager) list(ctx context.Context, cache store.Cache) ([]record, error) {
	keys, err := cache.Keys(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]record, 0, len(keys))
	for _, key := range keys {
		snap, err := cache.Match(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			// removed since listing
			continue
		}
		if err != nil {
			m.logger.Warn("skipping unreadable record", "key", key, "error", err)
			continue
		}
		records = append(records, record{key: key, size: int64(len(snap.Body)), storedAt: snap.StoredAt})
	}
	return records, nil
}

func (m *Manager) expireOlderThan(ctx context.Context, cache store.Cache, records []record, ttl time.Duration, reason string, result *Result) []record {
	cutoff := m.now().Add(-ttl)

	var (
		remaining []record
		expired   int
		freed     int64
	)
	for _, rec := range records {
		if !rec.storedAt.Before(cutoff) {
			remaining = append(remaining, rec)
			continue
		}
		if _, err := cache.Delete(ctx, rec.key); err != nil {
			m.logger.Warn("failed to delete expired record", "key", rec.key, "error", err)
			result.Errors++
			remaining = append(remaining, rec)
			continue
		}
		expired++
		freed += rec.size
		m.logger.Debug("expired record by TTL", "key", rec.key, "age", m.now().Sub(rec.storedAt))
	}

	result.TTLExpired += expired
	result.BytesFreed += freed
	telemetry.RecordRuntimeEviction(ctx, reason, expired, freed)
	return remaining
}

func (m *Manager) evictOverBudget(ctx context.Context, cache store.Cache, records []record, result *Result) []record {
	var total int64
	for _, rec := range records {
		total += rec.size
	}
	if total <= m.config.MaxBytes {
		return records
	}

	// oldest first
	sort.Slice(records, func(i, j int) bool {
		return records[i].storedAt.Before(records[j].storedAt)
	})

	var (
		remaining []record
		evicted   int
		freed     int64
	)
	for i, rec := range records {
		if total <= m.config.MaxBytes {
			remaining = append(remaining, records[i:]...)
			break
		}
		if _, err := cache.Delete(ctx, rec.key); err != nil {
			m.logger.Warn("failed to evict record", "key", rec.key, "error", err)
			result.Errors++
			remaining = append(remaining, rec)
			continue
		}
		evicted++
		freed += rec.size
		total -= rec.size
		m.logger.Debug("evicted record", "key", rec.key, "stored_at", rec.storedAt, "size", rec.size)
	}

	result.Evicted += evicted
	result.BytesFreed += freed
	telemetry.RecordRuntimeEviction(ctx, "size", evicted, freed)
	return remaining
}
