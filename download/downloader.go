// Package download deduplicates concurrent network fetches. When several
// intercepted requests miss the cache for the same request key at once, only
// one network fetch and one cache write are performed and every waiter
// receives the same snapshot.
package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/wolfeidau/offline-cache/store"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a fetch.
type Result struct {
	// Snapshot is shared between waiters and must be treated as read-only.
	// Use Snapshot.Response to obtain an independent response per caller.
	// Nil when the response was too large to capture.
	Snapshot *store.Snapshot
	// Stored reports whether the snapshot was written to a cache.
	Stored bool

	stream  *http.Response
	claimed atomic.Bool
}

// NewStreamResult wraps a response that could not be captured. Its body can
// be read by one waiter only.
func NewStreamResult(resp *http.Response) *Result {
	return &Result{stream: resp}
}

// Claim hands the uncaptured response to the first caller. Later callers,
// and results holding a snapshot, get nil.
func (r *Result) Claim() *http.Response {
	if r.stream == nil || !r.claimed.CompareAndSwap(false, true) {
		return nil
	}
	return r.stream
}

// FetchFunc fetches from the network and optionally stores the result.
// The context passed to FetchFunc is detached from any single request so
// that one caller timing out does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same request key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			d.forgetOnError(key, res.Err)
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to start a new fetch while an earlier one is still in flight.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// forgetOnError forgets key after a real fetch failure. Caller context
// errors leave the in-flight fetch joinable.
func (d *Downloader) forgetOnError(key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
