package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/catalog-harvester/backend"
	"github.com/wolfeidau/catalog-harvester/config"
	"github.com/wolfeidau/catalog-harvester/events"
	"github.com/wolfeidau/catalog-harvester/fetch"
	"github.com/wolfeidau/catalog-harvester/orchestrator"
	"github.com/wolfeidau/catalog-harvester/queue"
	"github.com/wolfeidau/catalog-harvester/registry"
	"github.com/wolfeidau/catalog-harvester/store"
)

// app holds the wired components shared by serve and sync.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	bus        *events.Bus
	store      *store.Store
	fetchCache *fetch.Cache
	fetchStore *backend.Filesystem
	fetcher    *fetch.Client
	registry   *registry.Registry
	queue      *queue.Queue
	orch       *orchestrator.Orchestrator
}

// openStore opens the store with index changes and write halts published
// on bus. bus may be nil.
func openStore(cfg config.Config, logger *slog.Logger, bus *events.Bus) (*store.Store, error) {
	opts := []store.Option{
		store.WithLogger(logger),
		store.WithCacheSize(cfg.Storage.ItemCache, cfg.Storage.QueryCache),
	}
	if bus != nil {
		opts = append(opts,
			store.WithChangeHandler(func(gen uint64) {
				bus.Publish(events.Event{Kind: events.DatabaseChanged, Generation: gen})
			}),
			store.WithHaltedHandler(func(err error) {
				logger.Error("blob writes halted", "error", err)
				bus.Publish(events.Event{Kind: events.StorageHalted, Reason: err.Error()})
			}),
		)
	}
	s, err := store.Open(cfg.Storage.Dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// newApp wires the store, fetch client, registry, queue and orchestrator,
// and loads the configured extension directories. Extensions that fail to
// load are logged and skipped.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus()}

	var err error
	if a.store, err = openStore(cfg, logger, a.bus); err != nil {
		a.Close()
		return nil, err
	}

	var fetchOpts []fetch.Option
	if cfg.Storage.FetchCacheTTL > 0 {
		a.fetchStore, err = backend.NewFilesystem(cfg.FetchCacheDir())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening fetch cache: %w", err)
		}
		a.fetchCache, err = fetch.NewCache(backend.NewInstrumentedBackend(a.fetchStore, "fetch_cache"), cfg.Storage.FetchCacheTTL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening fetch cache: %w", err)
		}
		fetchOpts = append(fetchOpts, fetch.WithCache(a.fetchCache))
	}
	a.fetcher = fetch.New(cfg.FetchConfig(), append(fetchOpts, fetch.WithLogger(logger))...)

	a.registry = registry.New(cfg.RegistryConfig(),
		registry.WithLogger(logger),
		registry.WithFetcher(a.fetcher),
		registry.WithRecorder(a.store.Index()),
		registry.WithPublisher(a.bus),
	)
	loaded, err := a.registry.LoadDir(ctx, cfg.Extensions.Dirs...)
	if err != nil {
		logger.Warn("some extensions failed to load", "error", err)
	}
	logger.Info("extensions loaded", "count", len(loaded), "dirs", cfg.Extensions.Dirs)

	a.queue = queue.New(cfg.QueueConfig())
	a.orch = orchestrator.New(cfg.OrchestratorConfig(), a.queue, a.registry, a.store,
		orchestrator.WithLogger(logger),
		orchestrator.WithPublisher(a.bus),
	)
	return a, nil
}

// Close stops the workers and releases everything in reverse order.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Stop()
	}
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.fetchCache != nil {
		a.fetchCache.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	a.bus.Close()
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("closing", "error", err)
	}
}
