// Package config loads harvester configuration from defaults, an optional
// TOML file and HARVESTER_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/wolfeidau/catalog-harvester/expiry"
	"github.com/wolfeidau/catalog-harvester/fetch"
	"github.com/wolfeidau/catalog-harvester/orchestrator"
	"github.com/wolfeidau/catalog-harvester/queue"
	"github.com/wolfeidau/catalog-harvester/registry"
	"github.com/wolfeidau/catalog-harvester/sandbox"
	"github.com/wolfeidau/catalog-harvester/store/gc"
)

// EnvPrefix prefixes every environment variable, e.g. HARVESTER_SERVER_ADDRESS.
const EnvPrefix = "harvester"

// DefaultFileName is looked up in the working directory when no file is
// given.
const DefaultFileName = "harvester.toml"

type StorageConfig struct {
	Dir           string        `toml:"dir" envconfig:"dir"`
	ItemCache     int           `toml:"item_cache" envconfig:"item_cache"`
	QueryCache    int           `toml:"query_cache" envconfig:"query_cache"`
	FetchCache    string        `toml:"fetch_cache" envconfig:"fetch_cache"`
	FetchCacheTTL time.Duration `toml:"fetch_cache_ttl" envconfig:"fetch_cache_ttl"`
	FetchCacheMax int64         `toml:"fetch_cache_max_size" envconfig:"fetch_cache_max_size"`
	FetchSweep    time.Duration `toml:"fetch_cache_sweep" envconfig:"fetch_cache_sweep"`
}

type SandboxConfig struct {
	Timeout          time.Duration `toml:"timeout" envconfig:"timeout"`
	BusyTimeout      time.Duration `toml:"busy_timeout" envconfig:"busy_timeout"`
	MaxCallStackSize int           `toml:"max_call_stack" envconfig:"max_call_stack"`
	MemoryLimit      int64         `toml:"memory_limit" envconfig:"memory_limit"`
}

type QueueConfig struct {
	Capacity  int `toml:"capacity" envconfig:"capacity"`
	HighWater int `toml:"high_water" envconfig:"high_water"`
	LowWater  int `toml:"low_water" envconfig:"low_water"`
}

type OrchestratorConfig struct {
	Workers      int           `toml:"workers" envconfig:"workers"`
	PerExtension int           `toml:"per_extension" envconfig:"per_extension"`
	MaxRetries   int           `toml:"max_retries" envconfig:"max_retries"`
	BackoffBase  time.Duration `toml:"backoff_base" envconfig:"backoff_base"`
	BackoffMax   time.Duration `toml:"backoff_max" envconfig:"backoff_max"`
	JobTimeout   time.Duration `toml:"job_timeout" envconfig:"job_timeout"`
}

type GCConfig struct {
	Enabled      bool          `toml:"enabled" envconfig:"enabled"`
	Interval     time.Duration `toml:"interval" envconfig:"interval"`
	StartupDelay time.Duration `toml:"startup_delay" envconfig:"startup_delay"`
	BatchSize    int           `toml:"batch_size" envconfig:"batch_size"`
	GracePeriod  time.Duration `toml:"grace_period" envconfig:"grace_period"`
}

type FetchConfig struct {
	Timeout     time.Duration `toml:"timeout" envconfig:"timeout"`
	RetryMax    int           `toml:"retry_max" envconfig:"retry_max"`
	MaxBodySize int64         `toml:"max_body_size" envconfig:"max_body_size"`
	UserAgent   string        `toml:"user_agent" envconfig:"user_agent"`
}

type ServerConfig struct {
	Address   string `toml:"address" envconfig:"address"`
	AuthToken string `toml:"auth_token" envconfig:"auth_token"`
}

type ExtensionsConfig struct {
	Dirs                []string `toml:"dirs" envconfig:"dirs"`
	QuarantineThreshold int      `toml:"quarantine_threshold" envconfig:"quarantine_threshold"`
}

type TelemetryConfig struct {
	Prometheus   bool   `toml:"prometheus" envconfig:"prometheus"`
	OTLPEndpoint string `toml:"otlp_endpoint" envconfig:"otlp_endpoint"`
	ServiceName  string `toml:"service_name" envconfig:"service_name"`
}

type LogConfig struct {
	Level  string `toml:"level" envconfig:"level"`
	Format string `toml:"format" envconfig:"format"`
}

// Config is the full harvester configuration.
type Config struct {
	Storage      StorageConfig      `toml:"storage" envconfig:"storage"`
	Sandbox      SandboxConfig      `toml:"sandbox" envconfig:"sandbox"`
	Queue        QueueConfig        `toml:"queue" envconfig:"queue"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" envconfig:"orchestrator"`
	GC           GCConfig           `toml:"gc" envconfig:"gc"`
	Fetch        FetchConfig        `toml:"fetch" envconfig:"fetch"`
	Server       ServerConfig       `toml:"server" envconfig:"server"`
	Extensions   ExtensionsConfig   `toml:"extensions" envconfig:"extensions"`
	Telemetry    TelemetryConfig    `toml:"telemetry" envconfig:"telemetry"`
	Log          LogConfig          `toml:"log" envconfig:"log"`

	// File is the config file that was read, if any.
	File string `toml:"-" ignored:"true"`
}

// Default returns the default configuration.
func Default() Config {
	sb := sandbox.DefaultConfig()
	q := queue.DefaultConfig()
	o := orchestrator.DefaultConfig()
	g := gc.DefaultConfig()
	f := fetch.DefaultConfig()
	r := registry.DefaultConfig()
	ex := expiry.DefaultConfig()

	return Config{
		Storage: StorageConfig{
			Dir:           "./data",
			ItemCache:     4096,
			QueryCache:    256,
			FetchCacheTTL: 15 * time.Minute,
			FetchCacheMax: ex.MaxSize,
			FetchSweep:    ex.CheckInterval,
		},
		Sandbox: SandboxConfig{
			Timeout:          sb.Timeout,
			BusyTimeout:      sb.BusyTimeout,
			MaxCallStackSize: sb.MaxCallStackSize,
			MemoryLimit:      sb.MemoryLimit,
		},
		Queue: QueueConfig{Capacity: q.Capacity, HighWater: q.HighWater, LowWater: q.LowWater},
		Orchestrator: OrchestratorConfig{
			Workers:      o.Workers,
			PerExtension: o.PerExtension,
			MaxRetries:   o.MaxRetries,
			BackoffBase:  o.BackoffBase,
			BackoffMax:   o.BackoffMax,
			JobTimeout:   o.JobTimeout,
		},
		GC: GCConfig{
			Enabled:      true,
			Interval:     g.Interval,
			StartupDelay: g.StartupDelay,
			BatchSize:    g.BatchSize,
			GracePeriod:  g.GracePeriod,
		},
		Fetch: FetchConfig{
			Timeout:     f.Timeout,
			RetryMax:    f.RetryMax,
			MaxBodySize: f.MaxBodySize,
			UserAgent:   f.UserAgent,
		},
		Server:     ServerConfig{Address: ":8080"},
		Extensions: ExtensionsConfig{Dirs: []string{"./extensions"}, QuarantineThreshold: r.QuarantineThreshold},
		Telemetry:  TelemetryConfig{Prometheus: true, ServiceName: "catalog-harvester"},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. When path is empty, DefaultFileName is
// read if it exists; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	found, err := loadFileIfExists(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	if explicit && !found {
		return Config{}, fmt.Errorf("config file %s not found", path)
	}
	if found {
		cfg.File = path
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return false, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return true, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Storage.Dir != "", "storage.dir is required")
	check(c.Sandbox.Timeout > 0, "sandbox.timeout must be positive")
	check(c.Sandbox.BusyTimeout >= 0, "sandbox.busy_timeout must not be negative")
	check(c.Sandbox.MaxCallStackSize > 0, "sandbox.max_call_stack must be positive")
	check(c.Sandbox.MemoryLimit > 0, "sandbox.memory_limit must be positive")
	check(c.Queue.Capacity > 0, "queue.capacity must be positive")
	check(c.Queue.HighWater > 0 && c.Queue.HighWater <= c.Queue.Capacity,
		"queue.high_water must be in (0, capacity], got %d", c.Queue.HighWater)
	check(c.Queue.LowWater >= 0 && c.Queue.LowWater < c.Queue.HighWater,
		"queue.low_water must be in [0, high_water), got %d", c.Queue.LowWater)
	check(c.Orchestrator.Workers > 0, "orchestrator.workers must be positive")
	check(c.Orchestrator.PerExtension > 0, "orchestrator.per_extension must be positive")
	check(c.Orchestrator.MaxRetries >= 0, "orchestrator.max_retries must not be negative")
	check(c.Orchestrator.BackoffBase > 0 && c.Orchestrator.BackoffMax >= c.Orchestrator.BackoffBase,
		"orchestrator backoff must satisfy 0 < backoff_base <= backoff_max")
	check(c.Orchestrator.JobTimeout > 0, "orchestrator.job_timeout must be positive")
	check(c.Storage.FetchCacheMax >= 0, "storage.fetch_cache_max_size must not be negative")
	check(c.Storage.FetchCacheTTL <= 0 || c.Storage.FetchSweep > 0, "storage.fetch_cache_sweep must be positive when the fetch cache is enabled")
	check(c.Extensions.QuarantineThreshold > 0, "extensions.quarantine_threshold must be positive")
	check(!c.GC.Enabled || c.GC.Interval > 0, "gc.interval must be positive when gc is enabled")

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.Log.Format))
	}
	return errors.Join(errs...)
}

// FetchCacheDir is where cached host fetch responses live.
func (c Config) FetchCacheDir() string {
	if c.Storage.FetchCache != "" {
		return c.Storage.FetchCache
	}
	return c.Storage.Dir + string(os.PathSeparator) + "fetch-cache"
}

// ExpiryConfig bounds the fetch cache by age and size.
func (c Config) ExpiryConfig() expiry.Config {
	ex := expiry.DefaultConfig()
	ex.MaxSize = c.Storage.FetchCacheMax
	ex.CheckInterval = c.Storage.FetchSweep
	return ex
}

func (c Config) SandboxConfig() sandbox.Config {
	sb := sandbox.DefaultConfig()
	sb.Timeout = c.Sandbox.Timeout
	sb.BusyTimeout = c.Sandbox.BusyTimeout
	sb.MaxCallStackSize = c.Sandbox.MaxCallStackSize
	sb.MemoryLimit = c.Sandbox.MemoryLimit
	return sb
}

func (c Config) RegistryConfig() registry.Config {
	r := registry.DefaultConfig()
	r.Sandbox = c.SandboxConfig()
	r.QuarantineThreshold = c.Extensions.QuarantineThreshold
	return r
}

func (c Config) QueueConfig() queue.Config {
	return queue.Config{Capacity: c.Queue.Capacity, HighWater: c.Queue.HighWater, LowWater: c.Queue.LowWater}
}

func (c Config) OrchestratorConfig() orchestrator.Config {
	o := orchestrator.DefaultConfig()
	o.Workers = c.Orchestrator.Workers
	o.PerExtension = c.Orchestrator.PerExtension
	o.MaxRetries = c.Orchestrator.MaxRetries
	o.BackoffBase = c.Orchestrator.BackoffBase
	o.BackoffMax = c.Orchestrator.BackoffMax
	o.JobTimeout = c.Orchestrator.JobTimeout
	return o
}

func (c Config) GCConfig() gc.Config {
	g := gc.DefaultConfig()
	g.Interval = c.GC.Interval
	g.StartupDelay = c.GC.StartupDelay
	g.BatchSize = c.GC.BatchSize
	g.GracePeriod = c.GC.GracePeriod
	return g
}

func (c Config) FetchConfig() fetch.Config {
	f := fetch.DefaultConfig()
	f.Timeout = c.Fetch.Timeout
	f.RetryMax = c.Fetch.RetryMax
	f.MaxBodySize = c.Fetch.MaxBodySize
	f.UserAgent = c.Fetch.UserAgent
	return f
}
