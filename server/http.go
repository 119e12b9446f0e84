// Package server provides the offline proxy: an HTTP server that fronts the
// dashboard origin through the worker registration and exposes the
// network-aware fetcher and worker controls under /_offline/.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/expiry"
	"github.com/wolfeidau/offline-cache/fetcher"
	"github.com/wolfeidau/offline-cache/kvstore"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/worker"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Origin is the dashboard origin requests are proxied to. Required.
	Origin string

	// StoragePath is the root directory for the cache database and the
	// key/value store.
	StoragePath string

	// Prefix and Version name the worker cache stores.
	Prefix  string
	Version string

	// ManifestPath is an optional YAML or JSON precache manifest. Fields it
	// sets override Version, Precache and APIPatterns.
	ManifestPath string

	// Precache lists absolute paths fetched at install time.
	Precache []string

	// APIPatterns are path regexps served stale-while-revalidate.
	APIPatterns []string

	// Namespace prefixes key/value store keys.
	Namespace string

	// MaxAge bounds how old offline data returned by /_offline/data may be.
	// Zero uses the key/value store default of 24 hours.
	MaxAge time.Duration

	// KVQuota caps the key/value store in bytes. Zero stores entries on the
	// filesystem without a quota; a positive value keeps them in memory.
	KVQuota int64

	// RuntimeTTL removes runtime cache records stored longer ago than this.
	// Zero keeps them until the next version rotation.
	RuntimeTTL time.Duration

	// RuntimeMaxBytes caps the runtime cache body size; the oldest records
	// are removed first. Zero means no limit.
	RuntimeMaxBytes int64

	// TrimInterval is how often the runtime cache limits are enforced.
	TrimInterval time.Duration

	// AuthToken protects the /_offline/ admin routes. Empty disables auth.
	AuthToken string

	// NoSync disables fsync on cache database writes.
	NoSync bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the offline proxy.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	origin     *url.URL

	network      http.RoundTripper
	storage      *store.BoltStorage
	kv           *kvstore.Store
	fetcher      *fetcher.Fetcher
	registration *worker.Registration
	expiry       *expiry.Manager
	handler      http.Handler
}

// New creates a new server with the given configuration. The cache database
// is opened immediately; call Activate (or Start) to install the worker.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./offline-cache"
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = kvstore.DefaultNamespace
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Origin)
	}

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	// Key/value backend for the network-aware fetcher
	var kvBackend backend.Backend
	if cfg.KVQuota > 0 {
		kvBackend = backend.NewInstrumentedBackend(backend.NewMemory(cfg.KVQuota), "memory")
	} else {
		fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.StoragePath, "kv"))
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		kvBackend = backend.NewInstrumentedBackend(fsBackend, "filesystem")
	}
	kv := kvstore.New(kvBackend,
		kvstore.WithNamespace(cfg.Namespace),
		kvstore.WithLogger(cfg.Logger),
	)

	// Worker cache storage
	storage := store.NewBoltStorage(
		store.WithLogger(cfg.Logger.With("component", "store")),
		store.WithNoSync(cfg.NoSync),
	)
	if err := storage.Open(filepath.Join(cfg.StoragePath, "caches.db")); err != nil {
		return nil, fmt.Errorf("opening cache storage: %w", err)
	}

	network := telemetry.NewNetworkTransport(nil, "worker")

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		origin:  origin,
		network: network,
		storage: storage,
		kv:      kv,
		fetcher: fetcher.New(kv,
			fetcher.WithTransport(telemetry.NewNetworkTransport(nil, "fetcher")),
			fetcher.WithBaseURL(origin),
			fetcher.WithMaxAge(cfg.MaxAge),
			fetcher.WithLogger(cfg.Logger),
		),
		registration: worker.NewRegistration(network, worker.WithRegistrationLogger(cfg.Logger)),
	}
	s.expiry = expiry.NewManager(s.runtimeCache, expiry.Config{
		TTL:           cfg.RuntimeTTL,
		MaxBytes:      cfg.RuntimeMaxBytes,
		CheckInterval: cfg.TrimInterval,
		Logger:        cfg.Logger,
	})

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// WorkerConfig returns the worker configuration derived from the server
// configuration and manifest.
func (s *Server) WorkerConfig() (worker.Config, error) {
	cfg := worker.Config{
		Prefix:      s.config.Prefix,
		Version:     s.config.Version,
		Origin:      s.origin.String(),
		Precache:    s.config.Precache,
		APIPatterns: s.config.APIPatterns,
		Storage:     s.storage,
		Network:     s.network,
		Logger:      s.logger,
	}
	if s.config.ManifestPath != "" {
		m, err := worker.LoadManifest(s.config.ManifestPath)
		if err != nil {
			return worker.Config{}, err
		}
		m.Apply(&cfg)
	}
	return cfg, nil
}

// runtimeCache returns the active worker's runtime store.
func (s *Server) runtimeCache() store.Cache {
	if w := s.registration.Active(); w != nil {
		return w.RuntimeCache()
	}
	return nil
}

// Activate installs the configured worker version and lets it claim all
// proxied requests. A failed install leaves any previous version active.
func (s *Server) Activate(ctx context.Context) error {
	cfg, err := s.WorkerConfig()
	if err != nil {
		return err
	}
	w, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}
	return s.registration.Register(ctx, w)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /_offline/health", s.handleHealth)
	mux.HandleFunc("GET /_offline/stats", s.handleStats)
	mux.HandleFunc("GET /_offline/data", s.handleData)
	mux.HandleFunc("POST /_offline/sync/{tag}", s.handleSync)
	mux.HandleFunc("POST /_offline/online", s.handleOnline)
	mux.HandleFunc("POST /_offline/offline", s.handleOffline)
	mux.HandleFunc("POST /_offline/push", s.handlePush)
	mux.HandleFunc("POST /_offline/trim", s.handleTrim)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Everything else is the dashboard
	mux.HandleFunc("/", s.handleProxy)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Component = deriveComponent(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		wrapped.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"component", tags.Component,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Strategy != "" {
			attrs = append(attrs, "strategy", tags.Strategy)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start installs the worker and serves until the server is shut down.
func (s *Server) Start() error {
	if err := s.Activate(context.Background()); err != nil {
		// serve straight from the network rather than not at all
		s.logger.Error("worker activation failed, proxying without cache", "error", err)
	}

	if s.config.RuntimeTTL > 0 || s.config.RuntimeMaxBytes > 0 {
		s.expiry.Start(context.Background())
	}

	s.logger.Info("starting server", "address", s.config.Address, "origin", s.origin.String())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, waits for background cache
// refreshes and closes the cache database.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.Close())
}

// Close waits for background cache refreshes and closes the cache database.
func (s *Server) Close() error {
	s.expiry.Stop()
	s.registration.Wait()
	return s.storage.Close()
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveComponent classifies the request path.
func deriveComponent(path string) string {
	switch {
	case path == "/metrics" || path == "/_offline/health":
		return "internal"
	case strings.HasPrefix(path, "/_offline/"):
		return "admin"
	default:
		return "proxy"
	}
}

// copyResponse writes resp to w and closes its body.
func copyResponse(w http.ResponseWriter, resp *http.Response) (int64, error) {
	defer func() { _ = resp.Body.Close() }()

	for k, vv := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	return io.Copy(w, resp.Body)
}
