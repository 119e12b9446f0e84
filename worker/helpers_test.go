package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-cache/store"
)

var errOffline = errors.New("dial tcp: network is unreachable")

type route struct {
	status   int
	body     string
	location string
	wait     chan struct{}
}

// testOrigin is the dashboard origin. Routes can be changed and blocked
// while tests run, and every request is counted per path.
type testOrigin struct {
	*httptest.Server

	mu     sync.Mutex
	routes map[string]route
	hits   map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()

	o := &testOrigin{
		routes: map[string]route{},
		hits:   map[string]int{},
	}
	for _, p := range DefaultPrecache {
		o.routes[p] = route{status: http.StatusOK, body: "precached " + p}
	}
	o.routes["/"] = route{status: http.StatusOK, body: "<html>shell</html>"}

	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	rt, ok := o.routes[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if rt.wait != nil {
		<-rt.wait
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Origin", "test")
	if rt.location != "" {
		w.Header().Set("Location", rt.location)
	}
	// any Range gets the first four bytes
	if r.Header.Get("Range") != "" && rt.status == http.StatusOK && len(rt.body) > 4 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-3/%d", len(rt.body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, rt.body[:4])
		return
	}
	w.WriteHeader(rt.status)
	_, _ = io.WriteString(w, rt.body)
}

func (o *testOrigin) set(path string, status int, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[path] = route{status: status, body: body}
}

func (o *testOrigin) redirect(path string, status int, location string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[path] = route{status: status, location: location}
}

// block makes later requests for path wait until the returned func is called.
func (o *testOrigin) block(t *testing.T, path string) (release func()) {
	t.Helper()
	ch := make(chan struct{})
	o.mu.Lock()
	rt := o.routes[path]
	rt.wait = ch
	o.routes[path] = rt
	o.mu.Unlock()

	var once sync.Once
	release = func() { once.Do(func() { close(ch) }) }
	t.Cleanup(release)
	return release
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// switchNetwork fails every request while offline.
type switchNetwork struct {
	base    http.RoundTripper
	offline atomic.Bool
	calls   atomic.Int32
}

func (n *switchNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.offline.Load() {
		return nil, errOffline
	}
	return n.base.RoundTrip(req)
}

func newTestStorage(t *testing.T) *store.BoltStorage {
	t.Helper()
	s := store.NewBoltStorage(store.WithNoSync(true))
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "caches.db")))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testEnv struct {
	origin  *testOrigin
	network *switchNetwork
	storage *store.BoltStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	origin := newTestOrigin(t)
	return &testEnv{
		origin:  origin,
		network: &switchNetwork{base: http.DefaultTransport},
		storage: newTestStorage(t),
	}
}

func (e *testEnv) config(version string) Config {
	return Config{
		Version: version,
		Origin:  e.origin.URL,
		Storage: e.storage,
		Network: e.network,
	}
}

func (e *testEnv) newWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(w.Wait)
	return w
}

// activeWorker returns an installed and activated worker for version.
func (e *testEnv) activeWorker(t *testing.T, version string) *Worker {
	t.Helper()
	ctx := context.Background()
	w := e.newWorker(t, e.config(version))
	require.NoError(t, w.Install(ctx))
	_, err := w.Activate(ctx)
	require.NoError(t, err)
	require.Equal(t, StateActivated, w.State())
	return w
}

func (e *testEnv) request(t *testing.T, method, path string, header http.Header) *http.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, method, e.origin.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	return req
}

// do sends a GET through rt and returns status and body.
func do(t *testing.T, rt http.RoundTripper, req *http.Request) (int, string, error) {
	t.Helper()
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), nil
}

// doAsync is do for use off the test goroutine.
func doAsync(rt http.RoundTripper, req *http.Request) (int, string, error) {
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), err
}
