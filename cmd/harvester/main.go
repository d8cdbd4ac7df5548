// Command harvester syncs catalogs from sandboxed JavaScript extensions into
// a content-addressed store and serves them over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/catalog-harvester/config"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `short:"c" help:"Path to a TOML config file (default: ./harvester.toml if present)." type:"path"`
	DataDir   string `help:"Override storage.dir." type:"path"`
	LogLevel  string `help:"Override the log level (debug, info, warn, error)."`
	LogFormat string `help:"Override the log format (text, json)."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Run the HTTP API, the job workers and the garbage collector."`
	Sync      SyncCmd      `cmd:"" help:"Sync extensions once and wait for completion."`
	Validate  ValidateCmd  `cmd:"" help:"Validate extension bundles without storing anything."`
	Items     ItemsCmd     `cmd:"" help:"Query indexed items."`
	GC        GCCmd        `cmd:"" name:"gc" help:"Run one garbage collection pass."`
	Fsck      FsckCmd      `cmd:"" help:"Check asset links and blob reference counts."`
	HashToken HashTokenCmd `cmd:"" help:"Print the bcrypt hash of an API token for server.auth_token."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("harvester"),
		kong.Description("Catalog harvester: sandboxed extensions, content-addressed assets, a queryable index."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the configuration, applies flag overrides and builds the
// root logger.
func (g *Globals) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return config.Config{}, nil, err
	}
	if g.DataDir != "" {
		cfg.Storage.Dir = g.DataDir
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	if cfg.File != "" {
		logger.Debug("loaded config", "file", cfg.File)
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(*Globals) error {
	fmt.Println(version)
	return nil
}
