package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "harvester_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "GET"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "harvester_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "harvester_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	r = InjectTags(r)
	SetEndpoint(r, "sync")

	RecordHTTP(context.Background(), r, http.StatusAccepted, 64, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "harvester_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "sync"))
	require.True(t, hasAttr(dps[0].Attributes, "method", "POST"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/health", nil))
	RecordHTTP(context.Background(), r, http.StatusOK, 15, time.Millisecond)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "harvester_http_requests_total"), 1)
	require.Empty(t, findCounter(rm, "harvester_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "harvester_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordJob(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordJob(ctx, "fetch_asset", "demo", "done", 20*time.Millisecond)
	RecordJob(ctx, "fetch_asset", "demo", "retrying", 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "harvester_jobs_total")
	require.Len(t, dps, 2)

	retries := findCounter(rm, "harvester_job_retries_total")
	require.Len(t, retries, 1)
	require.EqualValues(t, 1, retries[0].Value)
	require.True(t, hasAttr(retries[0].Attributes, "kind", "fetch_asset"))
}

func TestRecordQueueDepth(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordQueueDepth(context.Background(), "discover", 3)

	rm := collectMetrics(t, reader)
	dps := findGauge(rm, "harvester_queue_depth")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "class", "discover"))
}

func TestRecordSandboxAndFaults(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSandboxCall(ctx, "demo", "list_items", "timeout", time.Second)
	RecordExtensionFault(ctx, "demo", "timeout")
	RecordExtensionState(ctx, "demo", "quarantined")

	rm := collectMetrics(t, reader)
	calls := findCounter(rm, "harvester_sandbox_calls_total")
	require.Len(t, calls, 1)
	require.True(t, hasAttr(calls[0].Attributes, "outcome", "timeout"))
	require.Len(t, findCounter(rm, "harvester_extension_faults_total"), 1)
	require.Len(t, findCounter(rm, "harvester_extension_state_changes_total"), 1)
}

func TestRecordBlobWriteUsesExtensionFromContext(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBlobWrite(WithExtension(context.Background(), "demo"), 2048, true)

	rm := collectMetrics(t, reader)
	dps := findHistogram(rm, "harvester_blob_write_size_bytes")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "extension", "demo"))
	require.True(t, hasAttr(dps[0].Attributes, "result", "new"))
}

func TestRecordGCPhase(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordGCPhase(context.Background(), "unreferenced", 4, 30*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "harvester_gc_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 4, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "phase", "unreferenced"))
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "fs", "write", "success", time.Millisecond, 10)
	RecordBlobWrite(ctx, 10, true)
	RecordHostFetch(ctx, "demo", time.Millisecond, 10, "success")
	RecordFetchCache(ctx, CacheMiss)
	RecordJob(ctx, "discover", "demo", "done", time.Millisecond)
	RecordQueueDepth(ctx, "normal", 1)
	RecordSandboxCall(ctx, "demo", "discover", "ok", time.Millisecond)
	RecordExtensionFault(ctx, "demo", "trapped")
	RecordExtensionState(ctx, "demo", "ready")
	RecordGCPhase(ctx, "orphans", 0, time.Millisecond)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
