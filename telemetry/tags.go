// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// componentKey is the context key for propagating the component to background goroutines.
	componentKey contextKey = "component"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheFallback CacheResult = "fallback" // network failed, cached copy served
	CacheBypass   CacheResult = "bypass"
	CacheNA       CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Component   string
	Strategy    string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetStrategy sets the caching strategy chosen for the request.
func SetStrategy(r *http.Request, strategy string) {
	if tags := GetTags(r); tags != nil {
		tags.Strategy = strategy
	}
}

// SetComponent sets the component tag for metrics and logging.
func SetComponent(r *http.Request, component string) {
	if tags := GetTags(r); tags != nil {
		tags.Component = component
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// ComponentFromContext retrieves the component from a context.
// It checks both background contexts (set by WithComponentContext) and
// request contexts (set by SetComponent via InjectTags).
func ComponentFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(componentKey).(string); ok && c != "" {
		return c
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Component
	}
	return ""
}

// WithComponentContext returns a context with the component stored.
// Use this to propagate the component into goroutines that outlive the request context.
func WithComponentContext(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}
