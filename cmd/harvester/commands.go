package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfeidau/catalog-harvester/backend"
	"github.com/wolfeidau/catalog-harvester/expiry"
	"github.com/wolfeidau/catalog-harvester/registry"
	"github.com/wolfeidau/catalog-harvester/server"
	"github.com/wolfeidau/catalog-harvester/store/gc"
	"github.com/wolfeidau/catalog-harvester/store/index"
	"github.com/wolfeidau/catalog-harvester/telemetry"
)

// ServeCmd runs the long-lived service.
type ServeCmd struct {
	Address string `help:"Override server.address."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		EnablePrometheus: cfg.Telemetry.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownMetrics(sctx)
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.orch.Start()

	var collector *gc.Manager
	if cfg.GC.Enabled {
		opts := []gc.ManagerOption{
			gc.WithLogger(logger),
			gc.WithMetrics(otel.Meter("catalog-harvester/gc")),
		}
		if sw, ok := a.store.Blobs().Backend().(backend.TempSweeper); ok {
			opts = append(opts, gc.WithTempSweeper(sw))
		}
		collector = gc.New(a.store.Meta(), a.store.Blobs(), cfg.GCConfig(), opts...)
		collector.Start(ctx)
	}

	if a.fetchStore != nil {
		excfg := cfg.ExpiryConfig()
		excfg.Logger = logger
		sweeper := expiry.NewManager(a.fetchStore, excfg)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	srv := server.New(server.Config{
		Address:   cfg.Server.Address,
		AuthToken: cfg.Server.AuthToken,
		Logger:    logger,
	}, a.store, a.registry, a.orch, a.bus)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("harvester started", "address", srv.Address(), "storage", cfg.Storage.Dir)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown", "error", serr)
	}
	if collector != nil {
		if gerr := collector.Stop(shutdownCtx); gerr != nil {
			logger.Error("gc shutdown", "error", gerr)
		}
	}
	return err
}

// SyncCmd runs one sync per extension and waits for all of them.
type SyncCmd struct {
	Extensions []string      `arg:"" optional:"" help:"Extension ids to sync (default: all loaded)."`
	Timeout    time.Duration `help:"Give up waiting after this long." default:"30m"`
}

func (c *SyncCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, tcancel := context.WithTimeout(ctx, c.Timeout)
	defer tcancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.orch.Start()

	ids := c.Extensions
	if len(ids) == 0 {
		for _, ext := range a.registry.List() {
			ids = append(ids, ext.ID)
		}
	}
	if len(ids) == 0 {
		return errors.New("no extensions loaded")
	}

	tokens := make(map[string]string, len(ids))
	for _, id := range ids {
		token, err := a.orch.Sync(ctx, id)
		if err != nil {
			return fmt.Errorf("starting sync of %s: %w", id, err)
		}
		tokens[id] = token
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTENSION\tSTATE\tDONE\tFAILED\tRETRIED\tLAST ERROR")
	var failed bool
	for _, id := range ids {
		st, err := a.orch.Wait(ctx, tokens[id])
		if err != nil {
			_ = a.orch.CancelSync(context.WithoutCancel(ctx), tokens[id])
			return fmt.Errorf("waiting for %s: %w", id, err)
		}
		failed = failed || st.Failed > 0
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", id, st.State, st.Done, st.Failed, st.Retried, st.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed {
		return errors.New("some jobs failed")
	}
	return nil
}

// ValidateCmd loads bundles into a throwaway registry.
type ValidateCmd struct {
	Paths []string `arg:"" help:"Bundle directories, or directories of bundles." type:"existingdir"`
}

func (c *ValidateCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	reg := registry.New(cfg.RegistryConfig(), registry.WithLogger(logger))
	defer func() { _ = reg.Close() }()

	var dirs []string
	for _, p := range c.Paths {
		if _, err := registry.LoadBundle(p); err == nil {
			dirs = append(dirs, p)
			continue
		}
		found, err := registry.FindBundles(p)
		if err != nil {
			return err
		}
		dirs = append(dirs, found...)
	}
	if len(dirs) == 0 {
		return errors.New("no bundles found")
	}

	var bad int
	for _, dir := range dirs {
		b, err := registry.LoadBundle(dir)
		if err == nil {
			var ext *registry.Extension
			if ext, err = reg.Load(context.Background(), b); err == nil {
				fmt.Printf("ok    %s %s (%s) %s\n", ext.ID, ext.Version, ext.Capabilities, filepath.Clean(dir))
				continue
			}
		}
		bad++
		fmt.Printf("FAIL  %s: %v\n", filepath.Clean(dir), err)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d bundles invalid", bad, len(dirs))
	}
	return nil
}

// ItemsCmd queries the index.
type ItemsCmd struct {
	Extension  string `help:"Only items of this extension."`
	Collection int64  `help:"Only items of this collection id."`
	Search     string `short:"q" help:"Match title or description."`
	Tombstoned bool   `help:"Include tombstoned items."`
	Limit      int    `default:"50"`
	Offset     int
	JSON       bool `name:"json" help:"Print JSON."`
}

func (c *ItemsCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	s, err := openStore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	views, err := s.QueryItems(context.Background(), index.ItemFilter{
		ExtensionID:       c.Extension,
		CollectionID:      c.Collection,
		Search:            c.Search,
		IncludeTombstoned: c.Tombstoned,
		Limit:             c.Limit,
		Offset:            c.Offset,
	})
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEXTENSION\tCOLLECTION\tITEM\tTITLE\tASSETS")
	for _, v := range views {
		stored := 0
		for _, a := range v.Assets {
			if a.Status == index.AssetStored {
				stored++
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d/%d\n",
			v.ID, v.ExtensionID, v.CollectionName, v.ExternalID, v.Title, stored, len(v.Assets))
	}
	return w.Flush()
}

// GCCmd runs one collection pass.
type GCCmd struct {
	GracePeriod time.Duration `help:"Override gc.grace_period."`
}

func (c *GCCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.GracePeriod > 0 {
		cfg.GC.GracePeriod = c.GracePeriod
	}
	s, err := openStore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	var opts []gc.ManagerOption
	opts = append(opts, gc.WithLogger(logger))
	if sw, ok := s.Blobs().Backend().(backend.TempSweeper); ok {
		opts = append(opts, gc.WithTempSweeper(sw))
	}
	res, err := gc.New(s.Meta(), s.Blobs(), cfg.GCConfig(), opts...).RunNow(context.Background())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// FsckCmd checks store consistency. Run it while the service is stopped.
type FsckCmd struct {
	Repair bool `help:"Fix what is found."`
}

func (c *FsckCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	s, err := openStore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	report, err := s.Fsck(context.Background(), c.Repair)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Clean() && !c.Repair {
		return errors.New("inconsistencies found, rerun with --repair")
	}
	return nil
}

// HashTokenCmd prints a bcrypt hash for an API token.
type HashTokenCmd struct {
	Token string `arg:"" help:"The token clients will send."`
}

func (c *HashTokenCmd) Run(*Globals) error {
	h, err := server.HashToken(c.Token)
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}
