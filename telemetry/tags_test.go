package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Component)
	require.Empty(t, tags.Strategy)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// none of these should panic
	SetComponent(r, "worker")
	SetStrategy(r, "cache-first")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "data")
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetComponent(r, "worker")
	SetStrategy(r, "network-first")
	SetCacheResult(r, CacheFallback)
	SetEndpoint(r, "navigation")

	require.Equal(t, "worker", tags.Component)
	require.Equal(t, "network-first", tags.Strategy)
	require.Equal(t, CacheFallback, tags.CacheResult)
	require.Equal(t, "navigation", tags.Endpoint)
}

func TestTagsFromContext_SurvivesDerivedContext(t *testing.T) {
	r := newTaggedRequest()
	SetStrategy(r, "cache-first")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tags := TagsFromContext(ctx)
	require.NotNil(t, tags)
	require.Equal(t, "cache-first", tags.Strategy)
}

func TestComponentFromContext(t *testing.T) {
	require.Empty(t, ComponentFromContext(context.Background()))

	r := newTaggedRequest()
	SetComponent(r, "worker")
	require.Equal(t, "worker", ComponentFromContext(r.Context()))

	// background context value wins over request tags
	ctx := WithComponentContext(r.Context(), "refresh")
	require.Equal(t, "refresh", ComponentFromContext(ctx))

	detached := context.WithoutCancel(ctx)
	require.Equal(t, "refresh", ComponentFromContext(detached))
}
