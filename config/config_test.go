package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvester.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[storage]
dir = "/var/lib/harvester"

[queue]
capacity = 100
high_water = 80
low_water = 20

[orchestrator]
workers = 8
backoff_base = "2s"

[extensions]
dirs = ["/opt/ext", "/srv/ext"]

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/var/lib/harvester", cfg.Storage.Dir)
	assert.Equal(t, 100, cfg.QueueConfig().Capacity)
	assert.Equal(t, 8, cfg.OrchestratorConfig().Workers)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.BackoffBase)
	assert.Equal(t, []string{"/opt/ext", "/srv/ext"}, cfg.Extensions.Dirs)
	assert.Equal(t, "json", cfg.Log.Format)

	// untouched sections keep their defaults
	assert.Equal(t, Default().Sandbox, cfg.Sandbox)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[storage]\ndirectory = \"/tmp\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.directory")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "[server]\naddress = \":9000\"\n")
	t.Setenv("HARVESTER_SERVER_ADDRESS", ":9100")
	t.Setenv("HARVESTER_SANDBOX_TIMEOUT", "3s")
	t.Setenv("HARVESTER_EXTENSIONS_DIRS", "a,b")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Address)
	assert.Equal(t, 3*time.Second, cfg.SandboxConfig().Timeout)
	assert.Equal(t, []string{"a", "b"}, cfg.Extensions.Dirs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"low water above high", func(c *Config) { c.Queue.LowWater = c.Queue.HighWater }, "queue.low_water"},
		{"high water above capacity", func(c *Config) { c.Queue.HighWater = c.Queue.Capacity + 1 }, "queue.high_water"},
		{"no workers", func(c *Config) { c.Orchestrator.Workers = 0 }, "orchestrator.workers"},
		{"backoff inverted", func(c *Config) { c.Orchestrator.BackoffMax = time.Millisecond }, "backoff"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"no storage", func(c *Config) { c.Storage.Dir = "" }, "storage.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFetchCacheDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.Dir = "/data"
	assert.Equal(t, filepath.Join("/data", "fetch-cache"), cfg.FetchCacheDir())
	cfg.Storage.FetchCache = "/cache"
	assert.Equal(t, "/cache", cfg.FetchCacheDir())
}

func TestExpiryConfig(t *testing.T) {
	cfg := Default()
	cfg.Storage.FetchCacheMax = 1 << 20
	cfg.Storage.FetchSweep = time.Minute

	ex := cfg.ExpiryConfig()
	assert.Equal(t, int64(1<<20), ex.MaxSize)
	assert.Equal(t, time.Minute, ex.CheckInterval)
	assert.Equal(t, "fetch/", ex.Prefix)
}
