// Package expiry removes stale and excess entries from the host fetch cache.
//
// Blobs referenced by the catalog are never expired here; their lifetime is
// governed by reference counts and the garbage collector. The fetch cache is
// disposable, so it is bounded by entry age and total size.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/catalog-harvester/backend"
)

// Config holds expiration configuration.
type Config struct {
	// Prefix limits the sweep to keys under it.
	Prefix string

	// MaxSize is the maximum total size of cached entries in bytes.
	// When exceeded, the oldest fetched entries are removed until under
	// the limit. Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to run expiration checks.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:        "fetch/",
		MaxSize:       256 << 20,
		CheckInterval: 10 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Manager sweeps a backend holding framed cache entries.
type Manager struct {
	config  Config
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(b backend.Backend, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		backend: b,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.running {
		return
	}
	m.running = true
	go m.run(ctx)
}

// Stop stops background expiration checks and waits for a running sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Result contains the results of an expiration run.
type Result struct {
	Scanned    int
	Expired    int
	Evicted    int
	Unreadable int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

type entry struct {
	key       string
	size      int64
	fetchedAt time.Time
}

// RunOnce performs a single sweep: expired and unreadable entries first,
// then the oldest entries while the total exceeds MaxSize.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	keys, err := m.backend.List(ctx, m.config.Prefix)
	if err != nil {
		m.logger.Error("failed to list cache entries", "error", err)
		result.Errors++
		return result
	}

	now := m.now()
	var live []entry
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		result.Scanned++
		e, expired, err := m.inspect(ctx, key, now)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			continue
		case err != nil:
			m.logger.Debug("removing unreadable cache entry", "key", key, "error", err)
			if m.delete(ctx, key, result) {
				result.Unreadable++
			}
		case expired:
			if m.delete(ctx, key, result) {
				result.Expired++
				result.BytesFreed += e.size
			}
		default:
			live = append(live, e)
		}
	}

	if m.config.MaxSize > 0 {
		m.evictOldest(ctx, live, result)
	}

	result.Duration = m.now().Sub(start)
	if result.Expired > 0 || result.Evicted > 0 || result.Unreadable > 0 {
		m.logger.Info("fetch cache sweep complete",
			"scanned", result.Scanned,
			"expired", result.Expired,
			"evicted", result.Evicted,
			"unreadable", result.Unreadable,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("fetch cache sweep complete, nothing to remove", "scanned", result.Scanned)
	}
	return result
}

func (m *Manager) inspect(ctx context.Context, key string, now time.Time) (entry, bool, error) {
	rc, err := m.backend.Read(ctx, key)
	if err != nil {
		return entry{}, false, err
	}
	defer func() { _ = rc.Close() }()

	header, _, err := backend.ReadFramed(rc)
	if err != nil {
		return entry{}, false, err
	}
	e := entry{key: key, size: header.BodyLength, fetchedAt: header.FetchedAt}
	if sb, ok := m.backend.(backend.SizeAwareBackend); ok {
		if size, err := sb.Size(ctx, key); err == nil {
			e.size = size
		}
	}
	return e, header.Expired(now), nil
}

func (m *Manager) evictOldest(ctx context.Context, live []entry, result *Result) {
	var total int64
	for _, e := range live {
		total += e.size
	}
	if total <= m.config.MaxSize {
		return
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].fetchedAt.Before(live[j].fetchedAt)
	})
	for _, e := range live {
		if total <= m.config.MaxSize {
			break
		}
		if !m.delete(ctx, e.key, result) {
			continue
		}
		result.Evicted++
		result.BytesFreed += e.size
		total -= e.size
	}
}

func (m *Manager) delete(ctx context.Context, key string, result *Result) bool {
	if err := m.backend.Delete(ctx, key); err != nil {
		m.logger.Warn("failed to delete cache entry", "key", key, "error", err)
		result.Errors++
		return false
	}
	return true
}
