// Package worker implements the intercept worker: a versioned, stateful
// http.RoundTripper that answers same-origin requests from named cache
// stores according to the strategy chosen by the policy package.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/download"
	"github.com/wolfeidau/offline-cache/policy"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstallFailed is returned when the precache could not be populated.
	ErrInstallFailed = errors.New("worker install failed")

	// ErrNotActive is returned when a request reaches a worker that is not
	// the activated version.
	ErrNotActive = errors.New("worker is not active")

	// ErrNoShell is returned when a navigation fails and no application
	// shell is cached.
	ErrNoShell = errors.New("navigation failed and no cached shell exists")

	// ErrInvalidTransition is returned for lifecycle events out of order.
	ErrInvalidTransition = errors.New("invalid worker state transition")
)

// EventKind identifies a worker event.
type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
	EventSync
	EventPush
	EventNotificationClick
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventSync:
		return "sync"
	case EventPush:
		return "push"
	case EventNotificationClick:
		return "notificationclick"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to a worker through Dispatch.
type Event struct {
	Kind EventKind

	// Request is set for fetch events.
	Request *http.Request
	// Tag is set for sync events.
	Tag string
	// Payload is the push message body.
	Payload []byte
	// Action is the notification action clicked; empty for the body.
	Action string
}

type handlerFunc func(ctx context.Context, ev Event) (*http.Response, error)

// Worker is one version of the intercept worker.
type Worker struct {
	id      string
	cfg     Config
	origin  *url.URL
	rules   policy.Rules
	network http.RoundTripper
	logger  *slog.Logger

	downloader *download.Downloader
	handlers   map[EventKind]handlerFunc

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	precache    store.Cache
	runtime     store.Cache

	syncs *syncState

	refreshes sync.WaitGroup
}

// ActivationReport describes the stores removed during activation.
type ActivationReport struct {
	Deleted []string
	Failed  map[string]error
}

// New creates a worker in the parsed state.
func New(cfg Config) (*Worker, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	rules, err := policy.NewRules(cfg.Origin, cfg.APIPatterns...)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := cfg.Logger.With("component", "worker", "version", cfg.Version, "worker_id", id)

	w := &Worker{
		id:         id,
		cfg:        cfg,
		origin:     rules.Origin,
		rules:      rules,
		network:    cfg.Network,
		logger:     logger,
		downloader: download.New(download.WithLogger(logger)),
		state:      StateParsed,
		syncs:      newSyncState(),
	}
	w.RegisterSync(DefaultSyncTag, w.syncData)

	w.handlers = map[EventKind]handlerFunc{
		EventInstall: func(ctx context.Context, _ Event) (*http.Response, error) {
			return nil, w.Install(ctx)
		},
		EventActivate: func(ctx context.Context, _ Event) (*http.Response, error) {
			_, err := w.Activate(ctx)
			return nil, err
		},
		EventFetch: func(_ context.Context, ev Event) (*http.Response, error) {
			return w.RoundTrip(ev.Request)
		},
		EventSync: func(ctx context.Context, ev Event) (*http.Response, error) {
			return nil, w.Sync(ctx, ev.Tag)
		},
		EventPush: func(ctx context.Context, ev Event) (*http.Response, error) {
			return nil, w.Push(ctx, ev.Payload)
		},
		EventNotificationClick: func(ctx context.Context, ev Event) (*http.Response, error) {
			return nil, w.NotificationClick(ctx, ev.Action)
		},
	}

	return w, nil
}

// ID returns the unique id of this worker instance.
func (w *Worker) ID() string { return w.id }

// Version returns the configured version tag.
func (w *Worker) Version() string { return w.cfg.Version }

// Config returns the worker configuration with defaults applied.
func (w *Worker) Config() Config { return w.cfg }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaitingRequested reports whether the worker asked to be activated
// as soon as it finished installing.
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// Dispatch delivers ev to the handler for its kind.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (*http.Response, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %s", ev.Kind)
	}
	return h(ctx, ev)
}

func (w *Worker) transition(ctx context.Context, to State) error {
	w.mu.Lock()
	from := w.state
	if !canTransition(from, to) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	w.state = to
	w.mu.Unlock()

	w.logger.Debug("state transition", "from", from, "to", to)
	telemetry.RecordWorkerTransition(ctx, w.cfg.Version, to.String())
	return nil
}

// markRedundant moves the worker to the terminal state. It is a no-op for a
// worker that is already redundant.
func (w *Worker) markRedundant(ctx context.Context) {
	if w.State() == StateRedundant {
		return
	}
	if err := w.transition(ctx, StateRedundant); err != nil {
		w.logger.Warn("failed to mark worker redundant", "error", err)
	}
}

// Install fetches every precache path and stores the responses. Either all
// of them are written or none are; any transport error or non-200 response
// fails the install and leaves the worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(ctx, StateInstalling); err != nil {
		return err
	}

	name := w.cfg.PrecacheName()
	existed, err := w.cfg.Storage.HasCache(ctx, name)
	if err != nil {
		return w.failInstall(ctx, name, false, fmt.Errorf("checking precache: %w", err))
	}

	precache, err := w.cfg.Storage.OpenCache(ctx, name)
	if err != nil {
		return w.failInstall(ctx, name, existed, fmt.Errorf("opening precache: %w", err))
	}

	snaps, err := w.fetchPrecache(ctx)
	if err != nil {
		return w.failInstall(ctx, name, existed, err)
	}

	if err := precache.PutAll(ctx, snaps); err != nil {
		return w.failInstall(ctx, name, existed, fmt.Errorf("writing precache: %w", err))
	}

	w.mu.Lock()
	w.precache = precache
	w.skipWaiting = !w.cfg.ManualActivation
	w.mu.Unlock()

	if err := w.transition(ctx, StateInstalled); err != nil {
		return err
	}

	w.logger.Info("installed", "precache", name, "entries", len(snaps))
	return nil
}

func (w *Worker) fetchPrecache(ctx context.Context) ([]*store.Snapshot, error) {
	snaps := make([]*store.Snapshot, len(w.cfg.Precache))

	g, gctx := errgroup.WithContext(telemetry.WithComponentContext(ctx, "install"))
	g.SetLimit(w.cfg.InstallConcurrency)

	for i, path := range w.cfg.Precache {
		g.Go(func() error {
			snap, err := w.fetchSnapshot(gctx, resolve(w.origin, path))
			if err != nil {
				return fmt.Errorf("precaching %s: %w", path, err)
			}
			if !snap.Cacheable() {
				return fmt.Errorf("precaching %s: unexpected status %d", path, snap.Status)
			}
			snaps[i] = snap
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

// fetchSnapshot GETs rawURL, following redirects, and captures the final
// response under the key of rawURL.
func (w *Worker) fetchSnapshot(ctx context.Context, rawURL string) (*store.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	key := offlinecache.KeyFor(req)

	for hops := 0; ; hops++ {
		resp, err := w.network.RoundTrip(req)
		if err != nil {
			return nil, err
		}

		loc := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || loc == "" {
			snap, err := store.CaptureLimit(key, resp, w.cfg.Now(), w.cfg.MaxBodySize)
			if errors.Is(err, store.ErrBodyTooLarge) {
				_ = resp.Body.Close()
			}
			return snap, err
		}
		_ = resp.Body.Close()

		if hops == maxPrecacheRedirects {
			return nil, fmt.Errorf("stopped after %d redirects", maxPrecacheRedirects)
		}
		next, err := req.URL.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect location %q: %w", loc, err)
		}
		if req, err = http.NewRequestWithContext(ctx, http.MethodGet, next.String(), nil); err != nil {
			return nil, err
		}
		w.logger.Debug("following precache redirect", "from", rawURL, "to", next.String())
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (w *Worker) failInstall(ctx context.Context, name string, existed bool, cause error) error {
	// an empty store created by this install must not linger
	if !existed {
		if _, err := w.cfg.Storage.DeleteCache(ctx, name); err != nil {
			w.logger.Warn("failed to remove partial precache", "cache", name, "error", err)
		}
	}
	w.markRedundant(ctx)
	w.logger.Error("install failed", "error", cause)
	return fmt.Errorf("%w: %w", ErrInstallFailed, cause)
}

// Activate deletes every store not owned by this version and opens the
// runtime store. Deletion failures are logged and reported but do not fail
// activation.
func (w *Worker) Activate(ctx context.Context) (*ActivationReport, error) {
	if err := w.transition(ctx, StateActivating); err != nil {
		return nil, err
	}

	report := &ActivationReport{Failed: map[string]error{}}

	names, err := w.cfg.Storage.CacheNames(ctx)
	if err != nil {
		w.logger.Warn("failed to enumerate caches", "error", err)
	}

	keep := w.cfg.CacheNames()
	for _, name := range names {
		if name == keep[0] || name == keep[1] {
			continue
		}
		if _, err := w.cfg.Storage.DeleteCache(ctx, name); err != nil {
			w.logger.Warn("failed to delete stale cache", "cache", name, "error", err)
			report.Failed[name] = err
			telemetry.RecordCacheDeleted(ctx, "error")
			continue
		}
		w.logger.Info("deleted stale cache", "cache", name)
		report.Deleted = append(report.Deleted, name)
		telemetry.RecordCacheDeleted(ctx, "deleted")
	}

	runtime, err := w.cfg.Storage.OpenCache(ctx, w.cfg.RuntimeName())
	if err != nil {
		w.markRedundant(ctx)
		return report, fmt.Errorf("opening runtime cache: %w", err)
	}

	w.mu.Lock()
	w.runtime = runtime
	if w.precache == nil {
		// activated without an install in this process
		w.precache, err = w.cfg.Storage.OpenCache(ctx, w.cfg.PrecacheName())
	}
	w.mu.Unlock()
	if err != nil {
		w.markRedundant(ctx)
		return report, fmt.Errorf("opening precache: %w", err)
	}

	if err := w.transition(ctx, StateActivated); err != nil {
		return report, err
	}

	w.logger.Info("activated", "deleted", len(report.Deleted), "failed", len(report.Failed))
	return report, nil
}

// RoundTrip answers req. Cross-origin requests go to the network untouched.
// Same-origin requests are served by the strategy policy.Select picks.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if w.State() != StateActivated {
		return nil, ErrNotActive
	}

	strategy := policy.Select(req, w.rules)
	tags := telemetry.TagsFromContext(req.Context())
	if tags != nil {
		tags.Strategy = strategy.String()
	}

	var (
		resp   *http.Response
		result telemetry.CacheResult
		err    error
	)
	switch strategy {
	case policy.CacheFirst:
		resp, result, err = w.cacheFirst(req)
	case policy.StaleWhileRevalidate:
		resp, result, err = w.staleWhileRevalidate(req)
	case policy.NetworkFirst:
		resp, result, err = w.networkFirst(req)
	default:
		resp, err = w.network.RoundTrip(req)
		result = telemetry.CacheBypass
	}

	if tags != nil {
		tags.CacheResult = result
	}
	telemetry.RecordStrategy(req.Context(), strategy.String(), result)

	if err != nil {
		w.logger.Debug("request failed", "strategy", strategy, "url", req.URL.String(), "error", err)
		return nil, err
	}
	return resp, nil
}

// Wait blocks until every background refresh started by this worker has
// finished writing.
func (w *Worker) Wait() {
	w.refreshes.Wait()
}

// RuntimeCache returns the runtime store handle, or nil before activation.
func (w *Worker) RuntimeCache() store.Cache {
	_, runtime := w.caches()
	return runtime
}

// caches returns the open store handles.
func (w *Worker) caches() (precache, runtime store.Cache) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.precache, w.runtime
}
