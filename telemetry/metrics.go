package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/offline-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	strategyRequestsTotal   metric.Int64Counter
	backgroundRefreshTotal  metric.Int64Counter
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter
	kvOperationsTotal       metric.Int64Counter
	cachesDeletedTotal      metric.Int64Counter
	workerTransitionsTotal  metric.Int64Counter
	syncDispatchTotal       metric.Int64Counter
	runtimeEvictionsTotal   metric.Int64Counter
	runtimeEvictedBytes     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "offline_cache_http_requests_total", "Total number of HTTP requests", "{request}"},
		{&m.responseBytesTotal, "offline_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"},
		{&m.requestsByEndpointTotal, "offline_cache_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"},
		{&m.strategyRequestsTotal, "offline_cache_strategy_requests_total", "Intercepted requests by caching strategy and cache result", "{request}"},
		{&m.backgroundRefreshTotal, "offline_cache_background_refresh_total", "Stale-while-revalidate background refreshes by outcome", "{refresh}"},
		{&m.upstreamFetchTotal, "offline_cache_upstream_fetch_total", "Total number of network fetches", "{request}"},
		{&m.upstreamFetchBytesTotal, "offline_cache_upstream_fetch_bytes_total", "Total bytes fetched from the network", "By"},
		{&m.backendRequestsTotal, "offline_cache_backend_requests_total", "Total number of key/value backend operations", "{request}"},
		{&m.backendBytesTotal, "offline_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By"},
		{&m.kvOperationsTotal, "offline_cache_kv_operations_total", "Persistent KV store operations by outcome", "{operation}"},
		{&m.cachesDeletedTotal, "offline_cache_caches_deleted_total", "Cache stores deleted during version rotation", "{cache}"},
		{&m.workerTransitionsTotal, "offline_cache_worker_transitions_total", "Worker lifecycle state transitions", "{transition}"},
		{&m.syncDispatchTotal, "offline_cache_sync_dispatch_total", "Background sync handler invocations by outcome", "{dispatch}"},
		{&m.runtimeEvictionsTotal, "offline_cache_runtime_evictions_total", "Runtime cache records removed by reason", "{record}"},
		{&m.runtimeEvictedBytes, "offline_cache_runtime_evicted_bytes_total", "Body bytes removed from the runtime cache", "By"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.requestDuration, err = meter.Float64Histogram(
		"offline_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"offline_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of network fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestDuration, err = meter.Float64Histogram(
		"offline_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of key/value backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Component and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	component := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Component != "" {
			component = tags.Component
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {component, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("component", component),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("component", component),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordStrategy records the outcome of one intercepted request.
func RecordStrategy(ctx context.Context, strategy string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.strategyRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("cache_result", string(result)),
	))
}

// RecordBackgroundRefresh records the outcome of a stale-while-revalidate refresh.
// outcome is "updated", "not_cacheable" or "error".
func RecordBackgroundRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.backgroundRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// UpstreamFetch describes one request made by the worker or fetcher.
type UpstreamFetch struct {
	Component string
	Strategy  string
	Status    string // status class, empty when no response arrived
	Outcome   string
	Duration  time.Duration
	Bytes     int64
}

// RecordUpstreamFetch records a network fetch.
func RecordUpstreamFetch(ctx context.Context, f UpstreamFetch) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("component", f.Component),
		attribute.String("strategy", f.Strategy),
		attribute.String("outcome", f.Outcome),
	}
	if f.Status != "" {
		attrs = append(attrs, attribute.String("status_class", f.Status))
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, f.Duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if f.Bytes > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, f.Bytes, metric.WithAttributes(attrs...))
	}
}

// RecordKVOp records a persistent KV store operation.
// outcome is one of "success", "miss", "expired" or "error".
func RecordKVOp(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.kvOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordCacheDeleted records a cache store removed during activation.
func RecordCacheDeleted(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cachesDeletedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordWorkerTransition records a worker entering state.
func RecordWorkerTransition(ctx context.Context, version, state string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.workerTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
		attribute.String("state", state),
	))
}

// RecordSyncDispatch records a background sync handler invocation.
func RecordSyncDispatch(ctx context.Context, tag, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncDispatchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tag", tag),
		attribute.String("outcome", outcome),
	))
}

// RecordRuntimeEviction records runtime cache records removed for reason
// ("ttl", "size" or "forced").
func RecordRuntimeEviction(ctx context.Context, reason string, records int, bytes int64) {
	if globalMetrics == nil || records == 0 {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.runtimeEvictionsTotal.Add(ctx, int64(records), attrs)
	globalMetrics.runtimeEvictedBytes.Add(ctx, bytes, attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
