// Package fetcher performs JSON requests that survive going offline. Each
// successful response is mirrored into a kvstore.Store; when the network
// attempt fails the last mirrored value is returned instead.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wolfeidau/offline-cache/kvstore"
)

// ErrNoOfflineData is returned when the network attempt failed and no
// usable value is stored for the cache key.
var ErrNoOfflineData = errors.New("no data available offline")

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 32 << 20

// Source identifies where a result came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Result is the outcome of FetchWithFallback.
type Result struct {
	Data   json.RawMessage
	Source Source
	// WrittenAt is when the data was fetched from the network.
	WrittenAt time.Time
	// Persisted reports whether a network result was saved to the store.
	// Always false for cache results.
	Persisted bool
	// NetworkErr is the failure that caused a fallback to the store.
	NetworkErr error
}

// Decode unmarshals the result data into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s from %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Fetcher performs network requests with a key/value fallback.
type Fetcher struct {
	client  *http.Client
	store   *kvstore.Store
	baseURL *url.URL
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for network attempts.
func WithClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithTransport sets the round tripper used for network attempts.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.client = &http.Client{Transport: rt}
	}
}

// WithBaseURL resolves relative request URLs against base.
func WithBaseURL(base *url.URL) Option {
	return func(f *Fetcher) {
		f.baseURL = base
	}
}

// WithMaxAge sets the max age used when loading fallback values.
// Zero uses the store default.
func WithMaxAge(maxAge time.Duration) Option {
	return func(f *Fetcher) {
		f.maxAge = maxAge
	}
}

// WithNow sets the clock used to stamp network results.
func WithNow(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher that mirrors into store.
func New(store *kvstore.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: http.DefaultClient,
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "fetcher")
	return f
}

// RequestOption customises the outgoing request.
type RequestOption func(*http.Request)

// WithMethod sets the request method. The default is GET.
func WithMethod(method string) RequestOption {
	return func(r *http.Request) {
		r.Method = method
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithBody sets the request body and its content type.
func WithBody(body []byte, contentType string) RequestOption {
	return func(r *http.Request) {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		r.ContentLength = int64(len(body))
		if contentType != "" {
			r.Header.Set("Content-Type", contentType)
		}
	}
}

// FetchWithFallback makes exactly one network attempt for rawURL. A 2xx
// JSON response is saved under cacheKey and returned. Any failure falls back
// to the value stored under cacheKey; if there is none the error wraps both
// ErrNoOfflineData and the network failure.
func (f *Fetcher) FetchWithFallback(ctx context.Context, rawURL, cacheKey string, opts ...RequestOption) (*Result, error) {
	data, netErr := f.fetch(ctx, rawURL, opts)
	if netErr == nil {
		res := &Result{Data: data, Source: SourceNetwork, WrittenAt: f.now()}
		if err := f.store.Save(ctx, cacheKey, data); err != nil {
			// the caller still gets fresh data
			f.logger.Warn("failed to persist response", "url", rawURL, "cache_key", cacheKey, "error", err)
		} else {
			res.Persisted = true
		}
		return res, nil
	}

	f.logger.Debug("network attempt failed, trying offline store", "url", rawURL, "cache_key", cacheKey, "error", netErr)

	entry, err := f.store.Load(ctx, cacheKey, f.maxAge)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			f.logger.Warn("offline store read failed", "cache_key", cacheKey, "error", err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNoOfflineData, cacheKey, netErr)
	}

	f.logger.Info("serving offline data", "url", rawURL, "cache_key", cacheKey, "written_at", entry.WrittenAt())
	return &Result{
		Data:       entry.Data,
		Source:     SourceCache,
		WrittenAt:  entry.WrittenAt(),
		NetworkErr: netErr,
	}, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, opts []RequestOption) (json.RawMessage, error) {
	target, err := f.resolve(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", target, maxResponseSize)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response from %s is not valid JSON", target)
	}

	return json.RawMessage(body), nil
}

func (f *Fetcher) resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if f.baseURL == nil {
		return "", fmt.Errorf("relative url %q without a base url", rawURL)
	}
	return f.baseURL.ResolveReference(u).String(), nil
}
