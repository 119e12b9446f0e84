package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// Upstream fetch outcomes.
const (
	FetchOK        = "ok"
	FetchHTTPError = "http_error"
	FetchOffline   = "offline"
	FetchCanceled  = "canceled"
)

// NetworkTransport is the network boundary of the worker and the offline
// data fetcher. Each request is recorded as one upstream fetch once its body
// has been drained or closed.
//
// Fetches are attributed to the owner's component unless the request context
// carries a background component from WithComponentContext: a
// stale-while-revalidate refresh reports "refresh" and precaching during
// install reports "install". The caching strategy chosen for the intercepted
// request, when tagged, is attached as well.
type NetworkTransport struct {
	base      http.RoundTripper
	component string
}

// NewNetworkTransport returns a transport owned by component. A nil base
// uses http.DefaultTransport.
func NewNetworkTransport(base http.RoundTripper, component string) *NetworkTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &NetworkTransport{base: base, component: component}
}

func (t *NetworkTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f := &upstreamFetch{
		ctx:       req.Context(),
		component: t.fetchComponent(req.Context()),
		strategy:  "none",
		start:     time.Now(),
	}
	if tags := TagsFromContext(req.Context()); tags != nil && tags.Strategy != "" {
		f.strategy = tags.Strategy
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		f.outcome = FetchOffline
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || req.Context().Err() != nil {
			f.outcome = FetchCanceled
		}
		f.finish()
		return nil, err
	}

	f.outcome = FetchOK
	if resp.StatusCode >= 400 {
		f.outcome = FetchHTTPError
	}
	f.status = StatusClass(resp.StatusCode)
	resp.Body = &fetchBody{ReadCloser: resp.Body, fetch: f}
	return resp, nil
}

func (t *NetworkTransport) fetchComponent(ctx context.Context) string {
	if c, ok := ctx.Value(componentKey).(string); ok && c != "" {
		return c
	}
	return t.component
}

// upstreamFetch is one request through a NetworkTransport.
type upstreamFetch struct {
	ctx       context.Context
	component string
	strategy  string
	status    string
	outcome   string
	start     time.Time
	bytes     int64
	once      sync.Once
}

func (f *upstreamFetch) finish() {
	f.once.Do(func() {
		RecordUpstreamFetch(f.ctx, UpstreamFetch{
			Component: f.component,
			Strategy:  f.strategy,
			Status:    f.status,
			Outcome:   f.outcome,
			Duration:  time.Since(f.start),
			Bytes:     f.bytes,
		})
	})
}

// fetchBody counts the bytes read and finishes the fetch at EOF or Close,
// whichever comes first. Snapshot capture stops at EOF; streamed
// passthrough responses only close.
type fetchBody struct {
	io.ReadCloser
	fetch *upstreamFetch
}

func (b *fetchBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.fetch.finish()
	}
	return n, err
}

func (b *fetchBody) Close() error {
	b.fetch.finish()
	return b.ReadCloser.Close()
}
