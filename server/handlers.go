package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/fetcher"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/worker"
)

// maxPushPayload caps the body accepted by /_offline/push.
const maxPushPayload = 4 << 10

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopByHop(name string) bool {
	name = textproto.CanonicalMIMEHeaderKey(name)
	for _, h := range hopByHopHeaders {
		if h == name {
			return true
		}
	}
	return false
}

// forwardHeader reports whether a client header is passed to the worker.
// Accept-Encoding is dropped so the network transport negotiates gzip
// itself and cached bodies are always stored decoded.
func forwardHeader(name string) bool {
	return !isHopByHop(name) && textproto.CanonicalMIMEHeaderKey(name) != "Accept-Encoding"
}

// StatsResponse is returned by GET /_offline/stats.
type StatsResponse struct {
	Worker  *WorkerStats  `json:"worker,omitempty"`
	Waiting *WorkerStats  `json:"waiting,omitempty"`
	Caches  []store.Stats `json:"caches"`
	Offline OfflineStats  `json:"offline_data"`
	Errors  []string      `json:"errors,omitempty"`
}

// WorkerStats describes one worker version.
type WorkerStats struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	State        string   `json:"state"`
	Online       bool     `json:"online"`
	PendingSyncs []string `json:"pending_syncs"`
}

// OfflineStats describes the key/value store behind /_offline/data.
type OfflineStats struct {
	Namespace    string `json:"namespace"`
	Keys         int    `json:"keys"`
	SizeEstimate int64  `json:"size_estimate_bytes"`
}

func workerStats(w *worker.Worker) *WorkerStats {
	if w == nil {
		return nil
	}
	return &WorkerStats{
		ID:           w.ID(),
		Version:      w.Version(),
		State:        w.State().String(),
		Online:       w.IsOnline(),
		PendingSyncs: w.PendingSyncs(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	ctx := r.Context()

	resp := StatsResponse{
		Worker:  workerStats(s.registration.Active()),
		Waiting: workerStats(s.registration.Waiting()),
		Offline: OfflineStats{Namespace: s.kv.Namespace()},
	}

	caches, err := s.storage.Stats(ctx)
	if err != nil {
		resp.Errors = append(resp.Errors, "caches: "+err.Error())
	}
	resp.Caches = caches
	if resp.Caches == nil {
		resp.Caches = []store.Stats{}
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		resp.Errors = append(resp.Errors, "keys: "+err.Error())
	}
	resp.Offline.Keys = len(keys)

	size, err := s.kv.SizeEstimate(ctx)
	if err != nil {
		resp.Errors = append(resp.Errors, "size estimate: "+err.Error())
	}
	resp.Offline.SizeEstimate = size

	writeJSON(w, http.StatusOK, resp)
}

// handleData serves GET /_offline/data?path=/api/x&key=x. The key defaults
// to the path.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "data")

	path := r.URL.Query().Get("path")
	if path == "" || !strings.HasPrefix(path, "/") {
		writeError(w, http.StatusBadRequest, "path must be an absolute path")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = path
	}

	res, err := s.fetcher.FetchWithFallback(r.Context(), path, key)
	if err != nil {
		if errors.Is(err, fetcher.ErrNoOfflineData) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			writeError(w, http.StatusServiceUnavailable, fetcher.ErrNoOfflineData.Error())
			return
		}
		s.logger.Error("fetch with fallback failed", "path", path, "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}

	if res.Source == fetcher.SourceCache {
		telemetry.SetCacheResult(r, telemetry.CacheFallback)
		w.Header().Set("X-Offline-Written-At", res.WrittenAt.UTC().Format(http.TimeFormat))
	}
	w.Header().Set("X-Offline-Source", string(res.Source))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")

	active := s.registration.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, worker.ErrNotActive.Error())
		return
	}

	tag := r.PathValue("tag")
	if err := active.QueueSync(r.Context(), tag); err != nil {
		if errors.Is(err, worker.ErrUnknownSyncTag) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"tag":     tag,
		"pending": active.PendingSyncs(),
	})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "online")

	active := s.registration.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, worker.ErrNotActive.Error())
		return
	}
	if err := active.Online(r.Context()); err != nil {
		// handlers are not retried; report what failed
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": true})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "offline")

	active := s.registration.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, worker.ErrNotActive.Error())
		return
	}
	active.Offline()
	writeJSON(w, http.StatusOK, map[string]bool{"online": false})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "push")

	active := s.registration.Active()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, worker.ErrNotActive.Error())
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading payload")
		return
	}
	if err := active.Push(r.Context(), payload); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTrim enforces the runtime cache limits now. With older_than set it
// removes every runtime record stored longer ago than that duration.
func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "trim")

	if s.registration.Active() == nil {
		writeError(w, http.StatusServiceUnavailable, worker.ErrNotActive.Error())
		return
	}

	if raw := r.URL.Query().Get("older_than"); raw != "" {
		olderThan, err := time.ParseDuration(raw)
		if err != nil || olderThan < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
			return
		}
		writeJSON(w, http.StatusOK, s.expiry.ForceExpire(r.Context(), olderThan))
		return
	}

	writeJSON(w, http.StatusOK, s.expiry.RunOnce(r.Context()))
}

// handleProxy rewrites the request onto the origin and sends it through
// the registration, which applies the active worker's caching strategy.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := *s.origin
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	outReq.ContentLength = r.ContentLength
	for k, vv := range r.Header {
		if !forwardHeader(k) {
			continue
		}
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}

	resp, err := s.registration.RoundTrip(outReq)
	if err != nil {
		s.logger.Warn("proxy request failed", "url", target.String(), "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}

	if _, err := copyResponse(w, resp); err != nil {
		s.logger.Debug("copying response", "url", target.String(), "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
