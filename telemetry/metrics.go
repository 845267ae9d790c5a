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
	meterName = "github.com/wolfeidau/rule-cache"
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

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	cacheLookupsTotal     metric.Int64Counter
	coalescedFetchesTotal metric.Int64Counter

	deployDocumentsTotal metric.Int64Counter

	// Refresher metrics
	refreshEntriesTotal metric.Int64Counter
	refreshDuration     metric.Float64Histogram

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
		cfg.ServiceName = "rule-cache"
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

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{meterProvider: mp}

	var err error
	if m.requestsTotal, err = meter.Int64Counter(
		"rule_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.responseBytesTotal, err = meter.Int64Counter(
		"rule_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.requestDuration, err = meter.Float64Histogram(
		"rule_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"rule_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total HTTP requests broken down by endpoint"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"rule_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of rule provider fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"rule_cache_upstream_fetch_total",
		metric.WithDescription("Total rule provider fetches"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}
	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"rule_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes read from the rule provider"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.backendRequestDuration, err = meter.Float64Histogram(
		"rule_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of deploy backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}
	if m.backendRequestsTotal, err = meter.Int64Counter(
		"rule_cache_backend_requests_total",
		metric.WithDescription("Total deploy backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.backendBytesTotal, err = meter.Int64Counter(
		"rule_cache_backend_bytes_total",
		metric.WithDescription("Total bytes moved through the deploy backend"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"rule_cache_cache_lookups_total",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.coalescedFetchesTotal, err = meter.Int64Counter(
		"rule_cache_coalesced_fetches_total",
		metric.WithDescription("Callers that shared an in-flight fetch"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}
	if m.deployDocumentsTotal, err = meter.Int64Counter(
		"rule_cache_deploy_documents_total",
		metric.WithDescription("Rule documents processed by deployments"),
		metric.WithUnit("{document}"),
	); err != nil {
		return nil, err
	}
	if m.refreshEntriesTotal, err = meter.Int64Counter(
		"rule_cache_refresh_entries_total",
		metric.WithDescription("Cache entries handled by the background refresher"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.refreshDuration, err = meter.Float64Histogram(
		"rule_cache_refresh_duration_seconds",
		metric.WithDescription("Duration of background refresh cycles"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// RecordHTTP records HTTP request metrics. The surface and cache result are
// read from the request tags when present.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	surface := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags := GetTags(r); tags != nil {
		if tags.Surface != "" {
			surface = tags.Surface
		}
		cacheResult = string(tags.CacheResult)
		endpoint = tags.Endpoint
	}
	statusClass := StatusClass(status)

	attrs := []attribute.KeyValue{
		attribute.String("surface", surface),
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("surface", surface),
		attribute.String("status_class", statusClass),
	))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("surface", surface),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
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

// RecordUpstreamFetch records a rule provider request.
func RecordUpstreamFetch(ctx context.Context, provider string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records the outcome of a cache read.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(result)),
	))
}

// RecordCoalescedFetch records a caller that received a result from a
// fetch started by another caller.
func RecordCoalescedFetch(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.coalescedFetchesTotal.Add(ctx, 1)
}

// RecordDeploy records n documents with the given status (deployed, failed, overwritten).
func RecordDeploy(ctx context.Context, status string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.deployDocumentsTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordRefreshCycle records one refresher cycle. Called unconditionally per cycle.
func RecordRefreshCycle(ctx context.Context, refreshed, failed, purged int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.refreshEntriesTotal.Add(ctx, int64(refreshed), metric.WithAttributes(attribute.String("outcome", "refreshed")))
	globalMetrics.refreshEntriesTotal.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "failed")))
	globalMetrics.refreshEntriesTotal.Add(ctx, int64(purged), metric.WithAttributes(attribute.String("outcome", "purged")))
	globalMetrics.refreshDuration.Record(ctx, duration.Seconds())
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
