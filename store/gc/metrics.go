package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds blob collection instruments.
type Metrics struct {
	runsTotal                metric.Int64Counter
	runDuration              metric.Float64Histogram
	unreferencedBlobsDeleted metric.Int64Counter
	orphanBlobsDeleted       metric.Int64Counter
	tempFilesSwept           metric.Int64Counter
	bytesReclaimed           metric.Int64Counter
	errorsTotal              metric.Int64Counter
	lastRunTimestamp         metric.Float64Gauge
	lastRunSuccess           metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"harvester_gc_runs_total",
		metric.WithDescription("Total number of GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"harvester_gc_run_duration_seconds",
		metric.WithDescription("GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	unreferencedBlobsDeleted, err := meter.Int64Counter(
		"harvester_gc_unreferenced_blobs_deleted_total",
		metric.WithDescription("Total number of unreferenced blobs deleted after the grace period"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	orphanBlobsDeleted, err := meter.Int64Counter(
		"harvester_gc_orphan_blobs_deleted_total",
		metric.WithDescription("Total number of orphan blobs deleted (on disk but missing from DB)"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	tempFilesSwept, err := meter.Int64Counter(
		"harvester_gc_temp_files_swept_total",
		metric.WithDescription("Total number of abandoned temp files removed"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"harvester_gc_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by GC"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"harvester_gc_errors_total",
		metric.WithDescription("Total number of GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"harvester_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"harvester_gc_last_run_success",
		metric.WithDescription("Whether last GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:                runsTotal,
		runDuration:              runDuration,
		unreferencedBlobsDeleted: unreferencedBlobsDeleted,
		orphanBlobsDeleted:       orphanBlobsDeleted,
		tempFilesSwept:           tempFilesSwept,
		bytesReclaimed:           bytesReclaimed,
		errorsTotal:              errorsTotal,
		lastRunTimestamp:         lastRunTimestamp,
		lastRunSuccess:           lastRunSuccess,
	}, nil
}
