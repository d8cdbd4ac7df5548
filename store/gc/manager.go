// Package gc provides deferred garbage collection for the blob store.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/backend"
	"github.com/wolfeidau/catalog-harvester/store/metadb"
)

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	BatchSize    int           // Max blobs to process per phase (default: 1000)
	// GracePeriod is how long a blob must stay unreferenced before it is
	// deleted, so a job that is about to link it can still do so.
	GracePeriod time.Duration
	// TempMaxAge is the age after which abandoned temp files are swept.
	TempMaxAge time.Duration
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
		BatchSize:    1000,
		GracePeriod:  10 * time.Minute,
		TempMaxAge:   1 * time.Hour,
	}
}

// Collector removes blobs under the blob store's per-hash locks.
type Collector interface {
	DeleteIfUnreferenced(ctx context.Context, hash harvester.Hash, releasedBefore time.Time) (bool, error)
	DeleteOrphan(ctx context.Context, hash harvester.Hash) (bool, error)
	List(ctx context.Context) ([]harvester.Hash, error)
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt                time.Time     `json:"started_at"`
	Duration                 time.Duration `json:"duration"`
	UnreferencedBlobsDeleted int           `json:"unreferenced_blobs_deleted"`
	UnreferencedBlobsKept    int           `json:"unreferenced_blobs_kept"`
	OrphanBlobsDeleted       int           `json:"orphan_blobs_deleted"`
	TempFilesSwept           int           `json:"temp_files_swept"`
	BytesReclaimed           int64         `json:"bytes_reclaimed"`
	Errors                   []string      `json:"errors,omitempty"`
}

// Manager runs collection phases on an interval.
type Manager struct {
	db      metadb.MetaDB
	blobs   Collector
	sweeper backend.TempSweeper
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	runMu   sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithTempSweeper enables the stale temp file phase.
func WithTempSweeper(s backend.TempSweeper) ManagerOption {
	return func(m *Manager) {
		m.sweeper = s
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new GC manager.
func New(db metadb.MetaDB, blobs Collector, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:     db,
		blobs:  blobs,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "gc")
	if m.config.BatchSize <= 0 {
		m.config.BatchSize = DefaultConfig().BatchSize
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.running = false
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run. Runs never overlap.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.runGC(ctx), ctx.Err()
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"grace_period", m.config.GracePeriod,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		StartedAt: m.now(),
	}
	start := time.Now()

	m.logger.Info("starting gc run")

	// Phase 1: blobs whose count has been zero for the grace period
	m.phaseDeleteUnreferenced(ctx, result)

	// Phase 2: files on disk with no blob entry
	m.phaseDeleteOrphans(ctx, result)

	// Phase 3: temp files left by interrupted writes
	m.phaseSweepTemp(ctx, result)

	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"unreferenced_blobs_deleted", result.UnreferencedBlobsDeleted,
		"orphan_blobs_deleted", result.OrphanBlobsDeleted,
		"temp_files_swept", result.TempFilesSwept,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.unreferencedBlobsDeleted.Add(ctx, int64(result.UnreferencedBlobsDeleted))
	m.metrics.orphanBlobsDeleted.Add(ctx, int64(result.OrphanBlobsDeleted))
	m.metrics.tempFilesSwept.Add(ctx, int64(result.TempFilesSwept))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
