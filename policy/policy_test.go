package policy

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules(t *testing.T) Rules {
	t.Helper()
	rules, err := NewRules("https://dashboard.example.com")
	require.NoError(t, err)
	return rules
}

func newRequest(method, target string, header map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

func TestSelect(t *testing.T) {
	rules := testRules(t)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   Strategy
	}{
		{
			name:   "cross origin",
			method: http.MethodGet,
			target: "https://cdn.example.net/lib.js",
			want:   Passthrough,
		},
		{
			name:   "cross origin navigation",
			method: http.MethodGet,
			target: "https://other.example.com/",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   Passthrough,
		},
		{
			name:   "different scheme",
			method: http.MethodGet,
			target: "http://dashboard.example.com/app.js",
			want:   Passthrough,
		},
		{
			name:   "post to api",
			method: http.MethodPost,
			target: "https://dashboard.example.com/api/predictions",
			want:   NetworkOnly,
		},
		{
			name:   "form submit navigation",
			method: http.MethodPost,
			target: "https://dashboard.example.com/counties",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   NetworkFirst,
		},
		{
			name:   "post with html accept is not navigation",
			method: http.MethodPost,
			target: "https://dashboard.example.com/api/predictions",
			header: map[string]string{"Accept": "text/html"},
			want:   NetworkOnly,
		},
		{
			name:   "range request for static asset",
			method: http.MethodGet,
			target: "https://dashboard.example.com/static/map.geojson",
			header: map[string]string{"Range": "bytes=0-1023"},
			want:   NetworkOnly,
		},
		{
			name:   "range request for api",
			method: http.MethodGet,
			target: "https://dashboard.example.com/api/results",
			header: map[string]string{"Range": "bytes=100-"},
			want:   NetworkOnly,
		},
		{
			name:   "navigation by fetch mode",
			method: http.MethodGet,
			target: "https://dashboard.example.com/counties/nairobi",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   NetworkFirst,
		},
		{
			name:   "navigation by accept",
			method: http.MethodGet,
			target: "https://dashboard.example.com/",
			header: map[string]string{"Accept": "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"},
			want:   NetworkFirst,
		},
		{
			name:   "navigation wins over api path",
			method: http.MethodGet,
			target: "https://dashboard.example.com/api/report",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   NetworkFirst,
		},
		{
			name:   "cors fetch with html accept is not navigation",
			method: http.MethodGet,
			target: "https://dashboard.example.com/partials/header.html",
			header: map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"},
			want:   CacheFirst,
		},
		{
			name:   "dynamic api",
			method: http.MethodGet,
			target: "https://dashboard.example.com/api/counties",
			header: map[string]string{"Accept": "application/json"},
			want:   StaleWhileRevalidate,
		},
		{
			name:   "api prefix must anchor",
			method: http.MethodGet,
			target: "https://dashboard.example.com/docs/api/index.json",
			want:   CacheFirst,
		},
		{
			name:   "static asset",
			method: http.MethodGet,
			target: "https://dashboard.example.com/static/js/main.js",
			want:   CacheFirst,
		},
		{
			name:   "explicit default port",
			method: http.MethodGet,
			target: "https://dashboard.example.com:443/icons/icon-192.png",
			want:   CacheFirst,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(tt.method, tt.target, tt.header)
			assert.Equal(t, tt.want, Select(req, rules))
		})
	}
}

func TestSelect_NilOriginTreatsEverythingAsSameOrigin(t *testing.T) {
	rules, err := NewRules("")
	require.NoError(t, err)

	req := newRequest(http.MethodGet, "https://anywhere.example.org/api/x", nil)
	require.Equal(t, StaleWhileRevalidate, Select(req, rules))
}

func TestSelect_IsPure(t *testing.T) {
	rules := testRules(t)
	req := newRequest(http.MethodGet, "https://dashboard.example.com/api/counties", nil)

	first := Select(req, rules)
	for range 10 {
		require.Equal(t, first, Select(req, rules))
	}
}

func TestNewRules(t *testing.T) {
	rules, err := NewRules("https://dashboard.example.com", `^/api/`, `^/v2/data/`)
	require.NoError(t, err)
	require.Len(t, rules.APIPatterns, 2)
	require.True(t, IsDynamicAPI("/v2/data/x", rules.APIPatterns))

	_, err = NewRules("dashboard.example.com")
	require.Error(t, err)

	_, err = NewRules("https://dashboard.example.com", `(`)
	require.Error(t, err)
}

func TestIsNavigation(t *testing.T) {
	assert.False(t, IsNavigation(newRequest(http.MethodGet, "/", nil)))
	assert.False(t, IsNavigation(newRequest(http.MethodGet, "/", map[string]string{"Accept": "application/json, text/html"})))
	assert.True(t, IsNavigation(newRequest(http.MethodGet, "/", map[string]string{"Accept": "text/html; charset=utf-8"})))
	assert.True(t, IsNavigation(newRequest(http.MethodGet, "/", map[string]string{"Sec-Fetch-Mode": "Navigate"})))
	assert.True(t, IsNavigation(newRequest(http.MethodPost, "/counties", map[string]string{"Sec-Fetch-Mode": "navigate"})))
	assert.False(t, IsNavigation(newRequest(http.MethodPost, "/counties", map[string]string{"Accept": "text/html"})))
}

func TestIsDynamicAPI(t *testing.T) {
	patterns := []*regexp.Regexp{regexp.MustCompile(DefaultAPIPattern)}
	assert.True(t, IsDynamicAPI("/api/counties", patterns))
	assert.False(t, IsDynamicAPI("/apis", patterns))
	assert.False(t, IsDynamicAPI("/api/x", nil))
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "cache-first", CacheFirst.String())
	assert.Equal(t, "stale-while-revalidate", StaleWhileRevalidate.String())
	assert.Equal(t, "network-first", NetworkFirst.String())
	assert.Equal(t, "network-only", NetworkOnly.String())
	assert.Equal(t, "passthrough", Passthrough.String())
	assert.Equal(t, "strategy(42)", Strategy(42).String())

	assert.True(t, CacheFirst.Cacheable())
	assert.True(t, StaleWhileRevalidate.Cacheable())
	assert.False(t, NetworkFirst.Cacheable())
}
