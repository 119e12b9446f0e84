package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/download"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// match looks key up in each cache in order. Read errors other than a miss
// are logged and treated as a miss.
func (w *Worker) match(ctx context.Context, key offlinecache.RequestKey, caches ...store.Cache) *store.Snapshot {
	for _, c := range caches {
		if c == nil {
			continue
		}
		snap, err := c.Match(ctx, key)
		if err == nil {
			return snap
		}
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("cache read failed", "cache", c.Name(), "key", key, "error", err)
		}
	}
	return nil
}

// fetchAndStore performs req on the network and writes a 200 response to
// the runtime cache. Other responses are returned but never stored, and a
// body over MaxBodySize comes back as an uncaptured stream.
func (w *Worker) fetchAndStore(req *http.Request, key offlinecache.RequestKey) (*download.Result, error) {
	ctx := req.Context()
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	snap, err := store.CaptureLimit(key, resp, w.cfg.Now(), w.cfg.MaxBodySize)
	if errors.Is(err, store.ErrBodyTooLarge) {
		w.logger.Debug("response too large to cache", "key", key)
		return download.NewStreamResult(resp), nil
	}
	if err != nil {
		return nil, err
	}

	res := &download.Result{Snapshot: snap}
	if !snap.Cacheable() {
		return res, nil
	}

	_, runtime := w.caches()
	if err := runtime.Put(ctx, snap); err != nil {
		w.logger.Warn("failed to store response", "key", key, "error", err)
		return res, nil
	}
	res.Stored = true
	return res, nil
}

// cacheFirst serves a precached or runtime record when one exists and
// fetches otherwise. Concurrent misses for the same key share one fetch.
func (w *Worker) cacheFirst(req *http.Request) (*http.Response, telemetry.CacheResult, error) {
	ctx := req.Context()
	key := offlinecache.KeyFor(req)
	precache, runtime := w.caches()

	if snap := w.match(ctx, key, precache, runtime); snap != nil {
		return snap.Response(req), telemetry.CacheHit, nil
	}

	// the fetch may outlive this caller
	outReq := req.Clone(context.WithoutCancel(ctx))
	res, shared, err := w.downloader.Do(ctx, key.String(), func(context.Context) (*download.Result, error) {
		return w.fetchAndStore(outReq, key)
	})
	if err != nil {
		return nil, telemetry.CacheMiss, err
	}
	if shared {
		w.logger.Debug("shared in-flight fetch", "key", key)
	}
	if res.Snapshot == nil {
		// one waiter streams the oversize response, the others fetch their own
		if resp := res.Claim(); resp != nil {
			return resp, telemetry.CacheBypass, nil
		}
		resp, err := w.network.RoundTrip(req)
		return resp, telemetry.CacheBypass, err
	}
	return res.Snapshot.Response(req), telemetry.CacheMiss, nil
}

type refreshResult struct {
	snap *store.Snapshot
	err  error
}

// staleWhileRevalidate starts a network refresh, then returns the runtime
// record immediately if there is one. The refresh is never cancelled by the
// caller and overwrites the record when it gets a 200.
func (w *Worker) staleWhileRevalidate(req *http.Request) (*http.Response, telemetry.CacheResult, error) {
	ctx := req.Context()
	key := offlinecache.KeyFor(req)
	_, runtime := w.caches()

	done := w.revalidate(req, key)

	if snap := w.match(ctx, key, runtime); snap != nil {
		return snap.Response(req), telemetry.CacheHit, nil
	}

	select {
	case res := <-done:
		if errors.Is(res.err, store.ErrBodyTooLarge) {
			resp, err := w.network.RoundTrip(req)
			return resp, telemetry.CacheBypass, err
		}
		if res.err != nil {
			return nil, telemetry.CacheMiss, res.err
		}
		return res.snap.Response(req), telemetry.CacheMiss, nil
	case <-ctx.Done():
		return nil, telemetry.CacheMiss, ctx.Err()
	}
}

// revalidate runs the background refresh for key. The returned channel
// receives exactly one result and never blocks the sender.
func (w *Worker) revalidate(req *http.Request, key offlinecache.RequestKey) <-chan refreshResult {
	done := make(chan refreshResult, 1)
	ctx := telemetry.WithComponentContext(context.WithoutCancel(req.Context()), "refresh")
	outReq := req.Clone(ctx)

	w.refreshes.Add(1)
	go func() {
		defer w.refreshes.Done()

		res, err := w.fetchAndStore(outReq, key)
		if err == nil && res.Snapshot == nil {
			// nobody may read it; a caller without a record fetches directly
			if resp := res.Claim(); resp != nil {
				_ = resp.Body.Close()
			}
			telemetry.RecordBackgroundRefresh(ctx, "not_cacheable")
			done <- refreshResult{err: store.ErrBodyTooLarge}
			return
		}
		switch {
		case err != nil:
			w.logger.Debug("background refresh failed", "key", key, "error", err)
			telemetry.RecordBackgroundRefresh(ctx, "error")
			done <- refreshResult{err: err}
			return
		case res.Stored:
			telemetry.RecordBackgroundRefresh(ctx, "updated")
		default:
			telemetry.RecordBackgroundRefresh(ctx, "not_cacheable")
		}
		done <- refreshResult{snap: res.Snapshot}
	}()

	return done
}

// networkFirst tries the network and falls back to the cached application
// shell when the request fails outright. HTTP error responses are returned
// as they are.
func (w *Worker) networkFirst(req *http.Request) (*http.Response, telemetry.CacheResult, error) {
	resp, netErr := w.network.RoundTrip(req)
	if netErr == nil {
		return resp, telemetry.CacheBypass, nil
	}

	ctx := req.Context()
	shellKey, err := offlinecache.NewRequestKey(http.MethodGet, resolve(w.origin, w.cfg.ShellPath))
	if err != nil {
		return nil, telemetry.CacheMiss, fmt.Errorf("%w: %w", ErrNoShell, netErr)
	}

	precache, runtime := w.caches()
	if snap := w.match(ctx, shellKey, precache, runtime); snap != nil {
		w.logger.Info("serving offline shell", "url", req.URL.String(), "error", netErr)
		return snap.Response(req), telemetry.CacheFallback, nil
	}

	return nil, telemetry.CacheMiss, fmt.Errorf("%w: %w", ErrNoShell, netErr)
}
