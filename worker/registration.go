package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// Registration tracks the installing, waiting and active versions of a
// worker and routes requests to whichever one is active. With no active
// worker, requests go straight to the network.
type Registration struct {
	network http.RoundTripper
	logger  *slog.Logger

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
	all     []*Worker
}

// RegistrationOption configures a Registration.
type RegistrationOption func(*Registration)

// WithRegistrationLogger sets the logger.
func WithRegistrationLogger(logger *slog.Logger) RegistrationOption {
	return func(r *Registration) {
		r.logger = logger
	}
}

// NewRegistration creates a registration. network serves requests while no
// worker is active; nil means http.DefaultTransport.
func NewRegistration(network http.RoundTripper, opts ...RegistrationOption) *Registration {
	if network == nil {
		network = http.DefaultTransport
	}
	r := &Registration{
		network: network,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registration")
	return r
}

// Register installs w. If the install fails the current active worker is
// left in place. If w asked to skip waiting it is activated and claims all
// requests immediately; otherwise it waits for SkipWaiting.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	r.all = append(r.all, w)
	r.mu.Unlock()

	if _, err := w.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		r.logger.Warn("new worker failed to install, keeping current", "version", w.Version(), "error", err)
		return err
	}

	r.mu.Lock()
	if r.waiting != nil && r.waiting != w {
		// a newer install replaces an older waiting worker
		r.waiting.markRedundant(ctx)
	}
	r.waiting = w
	r.mu.Unlock()

	if !w.SkipWaitingRequested() {
		r.mu.RLock()
		hasActive := r.active != nil
		r.mu.RUnlock()
		if hasActive {
			r.logger.Info("worker waiting", "version", w.Version())
			return nil
		}
	}

	return r.activateWaiting(ctx)
}

// SkipWaiting activates the waiting worker, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	return r.activateWaiting(ctx)
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.waiting
	if w == nil {
		return nil
	}

	if _, err := w.Dispatch(ctx, Event{Kind: EventActivate}); err != nil {
		r.waiting = nil
		return fmt.Errorf("activating %s: %w", w.Version(), err)
	}

	previous := r.active
	r.active = w
	r.waiting = nil

	// claim
	if previous != nil && previous != w {
		previous.markRedundant(ctx)
	}
	r.logger.Info("worker claimed clients", "version", w.Version(), "worker_id", w.ID())
	telemetry.RecordWorkerTransition(ctx, w.Version(), "claimed")
	return nil
}

// Active returns the controlling worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// RoundTrip sends req through the active worker.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	w := r.Active()
	if w == nil {
		return r.network.RoundTrip(req)
	}

	resp, err := w.Dispatch(req.Context(), Event{Kind: EventFetch, Request: req})
	if errors.Is(err, ErrNotActive) {
		// replaced between lookup and dispatch
		if next := r.Active(); next != nil && next != w {
			return next.RoundTrip(req)
		}
	}
	return resp, err
}

// Wait blocks until background work of every registered worker finishes.
func (r *Registration) Wait() {
	r.mu.RLock()
	workers := append([]*Worker(nil), r.all...)
	r.mu.RUnlock()

	for _, w := range workers {
		w.Wait()
	}
}
