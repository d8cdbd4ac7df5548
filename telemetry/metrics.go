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
	meterName = "github.com/wolfeidau/catalog-harvester"
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

	blobWriteSize          metric.Float64Histogram
	hostFetchDuration      metric.Float64Histogram
	hostFetchTotal         metric.Int64Counter
	hostFetchBytesTotal    metric.Int64Counter
	fetchCacheTotal        metric.Int64Counter
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	jobsTotal       metric.Int64Counter
	jobDuration     metric.Float64Histogram
	jobRetriesTotal metric.Int64Counter
	queueDepth      metric.Int64Gauge

	sandboxCallsTotal   metric.Int64Counter
	sandboxCallDuration metric.Float64Histogram
	extensionFaults     metric.Int64Counter
	extensionStates     metric.Int64Counter

	gcDeletedTotal metric.Int64Counter
	gcDuration     metric.Float64Histogram

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
		cfg.ServiceName = "catalog-harvester"
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
			otlpmetricgrpc.WithInsecure(),
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

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fetchBuckets   = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	backendBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets    = []float64{128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}
)

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	histogram := func(name, desc, unit string, buckets []float64) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		return h
	}

	m.requestsTotal = counter("harvester_http_requests_total", "Total number of HTTP requests", "{request}")
	m.responseBytesTotal = counter("harvester_http_response_bytes_total", "Total bytes sent in HTTP responses", "By")
	m.requestDuration = histogram("harvester_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets)
	m.requestsByEndpointTotal = counter("harvester_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}")

	m.blobWriteSize = histogram("harvester_blob_write_size_bytes", "Size of blobs written to storage", "By", sizeBuckets)
	m.hostFetchDuration = histogram("harvester_host_fetch_duration_seconds", "Duration of outbound fetches made on behalf of extensions", "s", fetchBuckets)
	m.hostFetchTotal = counter("harvester_host_fetch_total", "Total number of outbound fetches", "{request}")
	m.hostFetchBytesTotal = counter("harvester_host_fetch_bytes_total", "Total bytes fetched for extensions", "By")
	m.fetchCacheTotal = counter("harvester_fetch_cache_lookups_total", "Host fetch cache lookups by result", "{lookup}")
	m.backendRequestDuration = histogram("harvester_backend_request_duration_seconds", "Duration of backend storage operations", "s", backendBuckets)
	m.backendRequestsTotal = counter("harvester_backend_requests_total", "Total number of backend storage operations", "{request}")
	m.backendBytesTotal = counter("harvester_backend_bytes_total", "Total bytes transferred in backend operations", "By")

	m.jobsTotal = counter("harvester_jobs_total", "Jobs finished by kind and outcome", "{job}")
	m.jobDuration = histogram("harvester_job_duration_seconds", "Duration of a single job attempt", "s", fetchBuckets)
	m.jobRetriesTotal = counter("harvester_job_retries_total", "Jobs rescheduled after a transient failure", "{job}")

	m.sandboxCallsTotal = counter("harvester_sandbox_calls_total", "Extension calls by operation and outcome", "{call}")
	m.sandboxCallDuration = histogram("harvester_sandbox_call_duration_seconds", "Duration of extension calls", "s", fetchBuckets)
	m.extensionFaults = counter("harvester_extension_faults_total", "Faults attributed to extensions", "{fault}")
	m.extensionStates = counter("harvester_extension_state_changes_total", "Extension lifecycle transitions", "{change}")

	m.gcDeletedTotal = counter("harvester_gc_deleted_total", "Entries removed by garbage collection", "{entry}")
	m.gcDuration = histogram("harvester_gc_duration_seconds", "Duration of garbage collection phases", "s", latencyBuckets)

	if err != nil {
		return nil, err
	}

	m.queueDepth, err = meter.Int64Gauge("harvester_queue_depth",
		metric.WithDescription("Pending jobs by priority class"),
		metric.WithUnit("{job}"),
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
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("method", r.Method),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
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

// RecordBlobWrite records a blob write with its size.
func RecordBlobWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}

	attrs := []attribute.KeyValue{
		attribute.String("extension", ExtensionFromContext(ctx)),
		attribute.String("result", result),
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordHostFetch records an outbound fetch made on behalf of an extension.
func RecordHostFetch(ctx context.Context, extension string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("extension", extension),
		attribute.String("outcome", outcome),
	}
	globalMetrics.hostFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.hostFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.hostFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordFetchCache records a host fetch cache lookup.
func RecordFetchCache(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("extension", ExtensionFromContext(ctx)),
		attribute.String("result", string(result)),
	}
	globalMetrics.fetchCacheTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJob records the end of one job attempt.
// outcome is "done", "failed", "retrying" or "cancelled".
func RecordJob(ctx context.Context, kind, extension, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("extension", extension),
		attribute.String("outcome", outcome),
	}
	globalMetrics.jobsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if outcome == "retrying" {
		globalMetrics.jobRetriesTotal.Add(ctx, 1, metric.WithAttributes(attrs[:2]...))
	}
}

// RecordQueueDepth records the number of pending jobs per priority class.
func RecordQueueDepth(ctx context.Context, class string, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("class", class)))
}

// RecordSandboxCall records one extension invocation.
func RecordSandboxCall(ctx context.Context, extension, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("extension", extension),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.sandboxCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.sandboxCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordExtensionFault records a fault counted against an extension.
func RecordExtensionFault(ctx context.Context, extension, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.extensionFaults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("extension", extension),
		attribute.String("kind", kind),
	))
}

// RecordExtensionState records an extension lifecycle transition.
func RecordExtensionState(ctx context.Context, extension, state string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.extensionStates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("extension", extension),
		attribute.String("state", state),
	))
}

// RecordGCPhase records one garbage collection phase's deleted count and duration.
// phase is "unreferenced", "orphans" or "fetch_cache".
func RecordGCPhase(ctx context.Context, phase string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	globalMetrics.gcDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.gcDuration.Record(ctx, duration.Seconds(), attrs)
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
