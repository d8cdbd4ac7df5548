package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/catalog-harvester/events"
	"github.com/wolfeidau/catalog-harvester/fetch"
	"github.com/wolfeidau/catalog-harvester/queue"
	"github.com/wolfeidau/catalog-harvester/sandbox"
	"github.com/wolfeidau/catalog-harvester/store/index"
)

const okScript = `
function discover() { return [{ id: "c1", name: "One" }]; }
function list_items(req) { return []; }
function fetch_asset(req) { return "AAAA"; }
`

func testRegistryConfig() Config {
	cfg := DefaultConfig()
	cfg.Sandbox.Timeout = 2 * time.Second
	cfg.Sandbox.BusyTimeout = time.Second
	return cfg
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(testRegistryConfig(), opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func memBundle(t *testing.T, manifest, source string) *Bundle {
	t.Helper()
	b, err := NewBundle([]byte(manifest), TOML, []byte(source))
	require.NoError(t, err)
	return b
}

func manifestFor(id string, caps string) string {
	return "id = \"" + id + "\"\nprotocol_version = 1\ncapabilities = [" + caps + "]\n"
}

func writeBundle(t *testing.T, root, dir, manifestName, manifest, source string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, manifestName), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "main.js"), []byte(source), 0o644))
	return path
}

type fakeFetcher struct {
	mu       sync.Mutex
	policies map[string]fetch.Policy
}

func (f *fakeFetcher) Fetch(_ context.Context, extension, url string) (*fetch.Response, error) {
	return &fetch.Response{URL: url, Status: 200, Body: "hello from " + extension}, nil
}

func (f *fakeFetcher) FetchBytes(context.Context, string, string) ([]byte, string, error) {
	return []byte("bytes"), "application/octet-stream", nil
}

func (f *fakeFetcher) SetPolicy(extension string, p fetch.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policies == nil {
		f.policies = make(map[string]fetch.Policy)
	}
	f.policies[extension] = p
	return nil
}

func (f *fakeFetcher) RemovePolicy(extension string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, extension)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records map[string]index.ExtensionRecord
	states  map[string][]string
}

func (f *fakeRecorder) UpsertExtension(_ context.Context, rec index.ExtensionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]index.ExtensionRecord)
	}
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeRecorder) SetExtensionState(_ context.Context, id, state, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = make(map[string][]string)
	}
	f.states[id] = append(f.states[id], state)
	return nil
}

func TestLoadAndInvoke(t *testing.T) {
	rec := &fakeRecorder{}
	r := newTestRegistry(t, WithRecorder(rec))

	ext, err := r.Load(context.Background(), memBundle(t, manifestFor("gallery", `"assets", "network"`), okScript))
	require.NoError(t, err)
	assert.Equal(t, Loaded, ext.State)
	assert.Equal(t, "gallery", ext.Name)
	assert.NotEmpty(t, ext.Hash)

	out, err := r.Invoke(context.Background(), "gallery", FuncDiscover, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"c1","name":"One"}]`, string(out))

	got, err := r.Get("gallery")
	require.NoError(t, err)
	assert.Equal(t, Loaded, got.State)
	assert.Zero(t, got.InFlight)

	assert.Equal(t, "network,assets", rec.records["gallery"].Capabilities)
	assert.Contains(t, rec.states["gallery"], string(Loaded))
}

func TestLoadIncompatibleVersionNotRegistered(t *testing.T) {
	r := newTestRegistry(t)

	_, err := NewBundle([]byte("id = \"v2\"\nprotocol_version = 2\n"), TOML, []byte(okScript))
	require.True(t, IsLoadError(err, IncompatibleVersion))

	b := &Bundle{Manifest: &Manifest{ID: "v2", ProtocolVersion: 2}, Source: okScript}
	_, err = r.Load(context.Background(), b)
	require.True(t, IsLoadError(err, IncompatibleVersion))

	_, err = r.Get("v2")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.List())
}

func TestLoadMissingExport(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Load(context.Background(), memBundle(t, manifestFor("partial", `"assets"`), `
function discover() { return []; }
function list_items() { return []; }
`))
	require.True(t, IsLoadError(err, ValidationFailed), "got %v", err)
	_, err = r.Get("partial")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadScriptError(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Load(context.Background(), memBundle(t, manifestFor("broken", ""), `function discover( {`))
	require.True(t, IsLoadError(err, ScriptFailed), "got %v", err)
}

func TestLoadDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Load(context.Background(), memBundle(t, manifestFor("dup", ""), okScript))
	require.NoError(t, err)

	_, err = r.Load(context.Background(), memBundle(t, manifestFor("dup", ""), okScript))
	require.True(t, IsLoadError(err, AlreadyLoaded))
}

func TestQuarantineAfterConsecutiveFaults(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	t.Cleanup(sub.Close)
	r := newTestRegistry(t, WithPublisher(bus))

	_, err := r.Load(context.Background(), memBundle(t, manifestFor("flaky", ""), `
function discover() { throw new Error("always broken"); }
function list_items() { return []; }
`))
	require.NoError(t, err)

	for range 3 {
		_, err := r.Invoke(context.Background(), "flaky", FuncDiscover, nil)
		var se *sandbox.ScriptError
		require.ErrorAs(t, err, &se)
	}

	ext, err := r.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, Quarantined, ext.State)
	assert.Contains(t, ext.Reason, "3 consecutive faults")

	_, err = r.Invoke(context.Background(), "flaky", FuncDiscover, nil)
	require.ErrorIs(t, err, ErrQuarantined)
	require.ErrorIs(t, r.CanSchedule("flaky", queue.Discover), ErrQuarantined)

	ext, err = r.Reload(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, Loaded, ext.State)
	assert.Zero(t, ext.Faults)
	require.NoError(t, r.CanSchedule("flaky", queue.Discover))

	var states []string
	for len(sub.C) > 0 {
		e := <-sub.C
		if e.Kind == events.ExtensionState {
			states = append(states, e.State)
		}
	}
	assert.Contains(t, states, string(Quarantined))
	assert.Equal(t, string(Loaded), states[len(states)-1])
}

func TestSuccessResetsFaults(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Load(context.Background(), memBundle(t, manifestFor("mixed", ""), `
function discover(req) { if (req && req.fail) { throw new Error("no"); } return []; }
function list_items() { return []; }
`))
	require.NoError(t, err)

	for range 5 {
		_, err = r.Invoke(context.Background(), "mixed", FuncDiscover, []byte(`{"fail":true}`))
		require.Error(t, err)
		_, err = r.Invoke(context.Background(), "mixed", FuncDiscover, nil)
		require.NoError(t, err)
	}
	ext, err := r.Get("mixed")
	require.NoError(t, err)
	assert.Equal(t, Loaded, ext.State)
	assert.Zero(t, ext.Faults)
}

func TestTrappedInstanceRebuiltBeforeNextCall(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Load(context.Background(), memBundle(t, manifestFor("deep", ""), `
function recurse(n) { return recurse(n + 1) + 1; }
function discover(req) { if (req && req.deep) { return recurse(0); } return ["ok"]; }
function list_items() { return []; }
`))
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "deep", FuncDiscover, []byte(`{"deep":true}`))
	require.True(t, sandbox.IsFault(err, sandbox.FaultTrapped), "got %v", err)

	ext, err := r.Get("deep")
	require.NoError(t, err)
	assert.Equal(t, 1, ext.Faults)

	for range 3 {
		out, err := r.Invoke(context.Background(), "deep", FuncDiscover, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `["ok"]`, string(out))
	}

	ext, err = r.Get("deep")
	require.NoError(t, err)
	assert.Equal(t, Loaded, ext.State)
	assert.Zero(t, ext.Faults)
}

type gatedFetcher struct {
	fakeFetcher
	started chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) Fetch(ctx context.Context, extension, url string) (*fetch.Response, error) {
	f.started <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.fakeFetcher.Fetch(ctx, extension, url)
}

func TestReloadDuringCallKeepsInFlightAccurate(t *testing.T) {
	f := &gatedFetcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	r := newTestRegistry(t, WithFetcher(f))
	_, err := r.Load(context.Background(), memBundle(t, manifestFor("slow", `"network"`), `
function discover() { return host.fetch("https://example.com/").body; }
function list_items() { return []; }
`))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "slow", FuncDiscover, nil)
		done <- err
	}()
	<-f.started

	ext, err := r.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, Running, ext.State)
	assert.Equal(t, 1, ext.InFlight)

	ext, err = r.Reload(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, Loaded, ext.State)
	assert.Zero(t, ext.InFlight)

	close(f.release)
	require.NoError(t, <-done)

	_, err = r.Invoke(context.Background(), "slow", FuncDiscover, nil)
	require.NoError(t, err)

	ext, err = r.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, Loaded, ext.State)
	assert.Zero(t, ext.InFlight)
}

func TestTransientScriptErrorIsNotAFault(t *testing.T) {
	assert.False(t, countsAsFault(context.Background(), &sandbox.ScriptError{
		Cause: &fetch.NetworkError{Transient: true, Err: errors.New("reset")},
	}))
	assert.True(t, countsAsFault(context.Background(), &sandbox.ScriptError{
		Cause: &fetch.NetworkError{Transient: false, Err: errors.New("gone")},
	}))
	assert.True(t, countsAsFault(context.Background(), &sandbox.Fault{Kind: sandbox.FaultTimeout}))
	assert.False(t, countsAsFault(context.Background(), &sandbox.Fault{Kind: sandbox.FaultBusy}))
}

func TestCanScheduleCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Load(context.Background(), memBundle(t, manifestFor("offline", ""), okScript))
	require.NoError(t, err)
	_, err = r.Load(context.Background(), memBundle(t, manifestFor("online", `"assets", "network"`), okScript))
	require.NoError(t, err)

	require.NoError(t, r.CanSchedule("offline", queue.Discover))
	require.NoError(t, r.CanSchedule("offline", queue.FetchMetadata))
	require.ErrorIs(t, r.CanSchedule("offline", queue.FetchAsset), ErrCapability)
	require.NoError(t, r.CanSchedule("online", queue.FetchAsset))
	require.ErrorIs(t, r.CanSchedule("missing", queue.Discover), ErrNotFound)
}

func TestNetworkThroughFetcher(t *testing.T) {
	f := &fakeFetcher{}
	r := newTestRegistry(t, WithFetcher(f))

	manifest := manifestFor("net", `"network"`) + "rate_limit = 5.0\n"
	_, err := r.Load(context.Background(), memBundle(t, manifest, `
function discover() { return host.fetch("https://example.com/").body; }
function list_items() { return []; }
`))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, f.policies["net"].RateLimit, 0.001)

	out, err := r.Invoke(context.Background(), "net", FuncDiscover, nil)
	require.NoError(t, err)
	assert.Equal(t, `"hello from net"`, string(out))

	require.NoError(t, r.Unload(context.Background(), "net"))
	_, ok := f.policies["net"]
	assert.False(t, ok)
	_, err = r.Invoke(context.Background(), "net", FuncDiscover, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesAndProgress(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(128)
	t.Cleanup(sub.Close)
	cfg := testRegistryConfig()
	cfg.MessageLog = 3
	r := New(cfg, WithPublisher(bus))
	t.Cleanup(func() { _ = r.Close() })

	_, err := r.Load(context.Background(), memBundle(t, manifestFor("chatty", ""), `
function discover() {
  for (var i = 0; i < 5; i++) { console.log("line " + i); }
  host.progress(3, 7);
  return [];
}
function list_items() { return []; }
`))
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "chatty", FuncDiscover, nil)
	require.NoError(t, err)

	ext, err := r.Get("chatty")
	require.NoError(t, err)
	require.Len(t, ext.Messages, 3)
	assert.Equal(t, "line 2", ext.Messages[0].Text)
	assert.Equal(t, "line 4", ext.Messages[2].Text)
	assert.Equal(t, Progress{Current: 3, Total: 7}, ext.Progress)

	var sawProgress bool
	for len(sub.C) > 0 {
		if e := <-sub.C; e.Kind == events.Progress && e.Current == 3 {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress)
}

func TestLoadDirAndReloadFromDisk(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "a", "manifest.toml", manifestFor("alpha", ""), okScript)
	dir := writeBundle(t, root, "b", "manifest.yaml", "id: beta\nprotocol_version: 1\n", okScript)
	writeBundle(t, root, "c", "manifest.toml", "id = \"gamma\"\nprotocol_version = 9\n", okScript)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-bundle"), 0o755))

	r := newTestRegistry(t)
	loaded, err := r.LoadDir(context.Background(), root)
	require.Error(t, err)
	assert.True(t, IsLoadError(err, IncompatibleVersion))
	require.Len(t, loaded, 2)
	assert.Equal(t, []string{"alpha", "beta"}, []string{r.List()[0].ID, r.List()[1].ID})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte(`
function discover() { return ["v2"]; }
function list_items() { return []; }
`), 0o644))
	before, err := r.Get("beta")
	require.NoError(t, err)

	after, err := r.Reload(context.Background(), "beta")
	require.NoError(t, err)
	assert.NotEqual(t, before.Hash, after.Hash)

	out, err := r.Invoke(context.Background(), "beta", FuncDiscover, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["v2"]`, string(out))
}

func TestFindBundles(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "z", "manifest.yml", "id: z\nprotocol_version: 1\n", okScript)
	writeBundle(t, root, "a", "manifest.toml", manifestFor("a", ""), okScript)

	dirs, err := FindBundles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a"), filepath.Join(root, "z")}, dirs)
}
