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
	meterName = "github.com/wolfeidau/upload-gateway"
)

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	remoteBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	sizeBuckets    = []float64{1024, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}
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
	requestsTotal        metric.Int64Counter
	responseBytesTotal   metric.Int64Counter
	requestDuration      metric.Float64Histogram
	requestsByRouteTotal metric.Int64Counter

	remoteCallDuration metric.Float64Histogram
	remoteCallsTotal   metric.Int64Counter
	remoteBytesTotal   metric.Int64Counter

	tokenLookupsTotal   metric.Int64Counter
	tokenExchangesTotal metric.Int64Counter
	tokenExchangeTime   metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	chunkIngestTotal      metric.Int64Counter
	chunkIngestBytesTotal metric.Int64Counter
	finalizeTotal         metric.Int64Counter
	finalizeDuration      metric.Float64Histogram
	finalizeFileSize      metric.Float64Histogram

	cacheLookupsTotal metric.Int64Counter
	readResultsTotal  metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

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
		cfg.ServiceName = "upload-gateway"
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

// instrumentBuilder creates instruments against one meter, keeping the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.err = err
	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.err = err
	return h
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instrumentBuilder{meter: meter}

	m := &Metrics{
		requestsTotal:        b.counter("upload_gateway_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:   b.counter("upload_gateway_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:      b.histogram("upload_gateway_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets),
		requestsByRouteTotal: b.counter("upload_gateway_http_requests_by_route_total", "Total number of HTTP requests by route (detail metric)", "{request}"),

		remoteCallDuration: b.histogram("upload_gateway_remote_call_duration_seconds", "Duration of calls to the identity provider and remote file API", "s", remoteBuckets),
		remoteCallsTotal:   b.counter("upload_gateway_remote_calls_total", "Total number of remote calls", "{request}"),
		remoteBytesTotal:   b.counter("upload_gateway_remote_response_bytes_total", "Total bytes read from remote responses", "By"),

		tokenLookupsTotal:   b.counter("upload_gateway_token_lookups_total", "Access token lookups by cache result", "{lookup}"),
		tokenExchangesTotal: b.counter("upload_gateway_token_exchanges_total", "Client credentials exchanges by outcome", "{exchange}"),
		tokenExchangeTime:   b.histogram("upload_gateway_token_exchange_duration_seconds", "Duration of client credentials exchanges", "s", remoteBuckets),

		backendRequestDuration: b.histogram("upload_gateway_backend_request_duration_seconds", "Duration of backend storage operations", "s", latencyBuckets),
		backendRequestsTotal:   b.counter("upload_gateway_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:      b.counter("upload_gateway_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		chunkIngestTotal:      b.counter("upload_gateway_chunk_ingest_total", "Chunks received by outcome", "{chunk}"),
		chunkIngestBytesTotal: b.counter("upload_gateway_chunk_ingest_bytes_total", "Chunk payload bytes accepted", "By"),
		finalizeTotal:         b.counter("upload_gateway_finalize_total", "Upload finalizations by outcome", "{upload}"),
		finalizeDuration:      b.histogram("upload_gateway_finalize_duration_seconds", "Duration of upload finalization", "s", remoteBuckets),
		finalizeFileSize:      b.histogram("upload_gateway_finalize_file_size_bytes", "Size of finalized files", "By", sizeBuckets),

		cacheLookupsTotal: b.counter("upload_gateway_cache_lookups_total", "Expiring cache lookups by cache and result", "{lookup}"),
		readResultsTotal:  b.counter("upload_gateway_read_results_total", "Read path responses by resource and source", "{response}"),

		reaperDeletedTotal: b.counter("upload_gateway_reaper_deleted_total", "Total entries deleted by reapers", "{entry}"),
		reaperDuration:     b.histogram("upload_gateway_reaper_duration_seconds", "Duration of reaper cycles", "s", latencyBuckets),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
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
// Route and read source are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	source := SourceNA
	route := ""
	if tags := GetTags(r); tags != nil {
		if tags.Source != "" {
			source = tags.Source
		}
		route = tags.Route
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {status_class, source}
	sharedAttrs := metric.WithAttributes(
		attribute.String("status_class", statusClass),
		attribute.String("source", source),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	// Detail metric: only when a handler set the route
	if route != "" {
		globalMetrics.requestsByRouteTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("status_class", statusClass),
			attribute.String("source", source),
		))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordRemoteCall records a call to a remote service ("identity" or "graph").
func RecordRemoteCall(ctx context.Context, service string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteCallDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.remoteCallsTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordTokenLookup records whether GetToken was served from the cache.
func RecordTokenLookup(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tokenLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", hitMiss(hit))))
}

// RecordTokenExchange records one client credentials exchange.
func RecordTokenExchange(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.tokenExchangesTotal.Add(ctx, 1, attrs)
	globalMetrics.tokenExchangeTime.Record(ctx, duration.Seconds(), attrs)
}

// RecordChunkIngest records one chunk submission.
// outcome is "accepted", "finalized", "already_finalized", "rejected" or "error".
func RecordChunkIngest(ctx context.Context, outcome string, bytes int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.chunkIngestTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.chunkIngestBytesTotal.Add(ctx, int64(bytes), attrs)
	}
}

// RecordFinalize records one finalization attempt.
func RecordFinalize(ctx context.Context, outcome string, duration time.Duration, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.finalizeTotal.Add(ctx, 1, attrs)
	globalMetrics.finalizeDuration.Record(ctx, duration.Seconds(), attrs)
	if size > 0 {
		globalMetrics.finalizeFileSize.Record(ctx, float64(size), attrs)
	}
}

// RecordCacheLookup records an expiring cache lookup.
// result is "hit", "miss" or "expired".
func RecordCacheLookup(ctx context.Context, cache, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordReadResult records the source a read path response was served from.
func RecordReadResult(ctx context.Context, resource, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.readResultsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("source", source),
	))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
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

func hitMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
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
