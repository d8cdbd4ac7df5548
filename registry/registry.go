// Package registry owns the set of loaded extensions: loading and
// validating bundles, lifecycle state, fault counting and quarantine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/catalog-harvester/events"
	"github.com/wolfeidau/catalog-harvester/queue"
	"github.com/wolfeidau/catalog-harvester/sandbox"
	"github.com/wolfeidau/catalog-harvester/store/index"
	"github.com/wolfeidau/catalog-harvester/telemetry"
)

// State is the lifecycle state of an extension.
type State string

const (
	Loaded      State = "loaded"
	Running     State = "running"
	Quarantined State = "quarantined"
	Unloaded    State = "unloaded"
)

// Exported functions of the wire contract.
const (
	FuncDiscover   = "discover"
	FuncListItems  = "list_items"
	FuncFetchAsset = "fetch_asset"
)

// Config controls extension instances and quarantine.
type Config struct {
	Sandbox sandbox.Config
	// QuarantineThreshold is the number of consecutive faults that
	// quarantines an extension.
	QuarantineThreshold int
	// MessageLog is how many recent log messages are kept per extension.
	MessageLog int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Sandbox:             sandbox.DefaultConfig(),
		QuarantineThreshold: 3,
		MessageLog:          20,
	}
}

// Progress is the latest progress an extension reported.
type Progress struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
	Spinner bool  `json:"spinner"`
}

// Message is one log line emitted by an extension.
type Message struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// Extension is a point-in-time view of a registered extension.
type Extension struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Hash         string       `json:"hash"`
	Capabilities Capabilities `json:"capabilities"`
	State        State        `json:"state"`
	Reason       string       `json:"reason,omitempty"`
	Faults       int          `json:"faults"`
	InFlight     int          `json:"in_flight"`
	Progress     Progress     `json:"progress"`
	Messages     []Message    `json:"messages"`
	LoadedAt     time.Time    `json:"loaded_at"`
}

// Recorder persists extension records. *index.Index implements it.
type Recorder interface {
	UpsertExtension(ctx context.Context, rec index.ExtensionRecord) error
	SetExtensionState(ctx context.Context, id, state, lastError string) error
}

type entry struct {
	bundle   *Bundle
	caps     Capabilities
	inst     *sandbox.Instance
	state    State
	reason   string
	faults   int
	inflight int
	progress Progress
	messages []Message
	loadedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg      Config
	fetcher  Fetcher
	recorder Recorder
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithFetcher gives network-capable extensions outbound access.
func WithFetcher(f Fetcher) Option {
	return func(r *Registry) {
		r.fetcher = f
	}
}

// WithRecorder persists extension records and state changes.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// WithPublisher sets where state, progress and message events go.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) {
		r.events = p
	}
}

// New creates an empty registry.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.QuarantineThreshold < 1 {
		cfg.QuarantineThreshold = DefaultConfig().QuarantineThreshold
	}
	if cfg.MessageLog < 1 {
		cfg.MessageLog = DefaultConfig().MessageLog
	}
	r := &Registry{
		cfg:     cfg,
		events:  events.Nop{},
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

func (r *Registry) sandboxConfig(m *Manifest, caps Capabilities) sandbox.Config {
	cfg := r.cfg.Sandbox
	cfg.AllowNetwork = caps.Has(Capabilities(Network))
	cfg.Reentrant = caps.Has(Capabilities(ConcurrencySafe))
	cfg.Slots = 1
	if cfg.Reentrant {
		cfg.Slots = m.Concurrency
	}
	return cfg
}

// instantiate builds and checks a sandbox instance for b without touching
// registry state.
func (r *Registry) instantiate(b *Bundle) (*sandbox.Instance, Capabilities, error) {
	m := b.Manifest
	caps := m.Caps()

	inst, err := sandbox.New(m.ID, m.Entry, b.Source, &extensionHost{id: m.ID, reg: r}, r.sandboxConfig(m, caps),
		sandbox.WithLogger(r.logger))
	if err != nil {
		return nil, 0, &LoadError{Kind: ScriptFailed, Extension: m.ID, Path: b.Dir, Err: err}
	}

	required := []string{FuncDiscover, FuncListItems}
	if caps.Has(Capabilities(Assets)) {
		required = append(required, FuncFetchAsset)
	}
	for _, fn := range required {
		if !inst.HasFunction(fn) {
			_ = inst.Close()
			return nil, 0, &LoadError{Kind: ValidationFailed, Extension: m.ID, Path: b.Dir,
				Err: fmt.Errorf("script does not define %s", fn)}
		}
	}
	return inst, caps, nil
}

// Load validates and instantiates a bundle and registers it as Loaded. On
// any failure nothing is registered.
func (r *Registry) Load(ctx context.Context, b *Bundle) (*Extension, error) {
	m := b.Manifest
	if err := m.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	existing, ok := r.entries[m.ID]
	r.mu.RUnlock()
	if ok && existing.state != Unloaded {
		return nil, &LoadError{Kind: AlreadyLoaded, Extension: m.ID, Path: b.Dir, Err: errors.New("id is already registered")}
	}

	inst, caps, err := r.instantiate(b)
	if err != nil {
		return nil, err
	}

	if r.fetcher != nil {
		if err := r.fetcher.SetPolicy(m.ID, m.Policy()); err != nil {
			_ = inst.Close()
			return nil, &LoadError{Kind: ValidationFailed, Extension: m.ID, Path: b.Dir, Err: err}
		}
	}

	e := &entry{bundle: b, caps: caps, inst: inst, state: Loaded, loadedAt: r.now()}

	r.mu.Lock()
	if cur, ok := r.entries[m.ID]; ok && cur.state != Unloaded {
		r.mu.Unlock()
		_ = inst.Close()
		return nil, &LoadError{Kind: AlreadyLoaded, Extension: m.ID, Path: b.Dir, Err: errors.New("id is already registered")}
	}
	r.entries[m.ID] = e
	view := r.viewLocked(m.ID, e)
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.UpsertExtension(ctx, index.ExtensionRecord{
			ID:           m.ID,
			Name:         m.Name,
			Version:      m.Version,
			BundleHash:   b.Hash.String(),
			Capabilities: caps.String(),
			State:        string(Loaded),
		}); err != nil {
			r.logger.Warn("persisting extension record", "extension", m.ID, "error", err)
		}
	}

	r.logger.Info("extension loaded", "extension", m.ID, "version", m.Version, "capabilities", caps.String())
	r.stateChanged(ctx, m.ID, Loaded, "")
	return view, nil
}

// LoadDir loads every bundle found under each directory. Failures are
// logged and joined; successfully loaded extensions stay registered.
func (r *Registry) LoadDir(ctx context.Context, dirs ...string) ([]*Extension, error) {
	var (
		loaded []*Extension
		errs   []error
	)
	for _, root := range dirs {
		bundles, err := FindBundles(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, dir := range bundles {
			b, err := LoadBundle(dir)
			if err == nil {
				var ext *Extension
				ext, err = r.Load(ctx, b)
				if err == nil {
					loaded = append(loaded, ext)
					continue
				}
			}
			r.logger.Error("extension failed to load", "path", dir, "error", err)
			errs = append(errs, err)
		}
	}
	return loaded, errors.Join(errs...)
}

// Unload closes the instance and marks the extension Unloaded. In-flight
// calls finish normally.
func (r *Registry) Unload(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state == Unloaded {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.state = Unloaded
	e.reason = ""
	inst := e.inst
	r.mu.Unlock()

	_ = inst.Close()
	if r.fetcher != nil {
		r.fetcher.RemovePolicy(id)
	}
	r.logger.Info("extension unloaded", "extension", id)
	r.stateChanged(ctx, id, Unloaded, "")
	return nil
}

// Reload tears down the instance and re-instantiates it, re-reading the
// bundle from disk when it came from a directory. The fault counter is
// cleared.
func (r *Registry) Reload(ctx context.Context, id string) (*Extension, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	b := e.bundle
	if b.Dir != "" {
		fresh, err := LoadBundle(b.Dir)
		if err != nil {
			return nil, err
		}
		if fresh.Manifest.ID != id {
			return nil, &LoadError{Kind: ValidationFailed, Extension: id, Path: b.Dir,
				Err: fmt.Errorf("bundle id changed to %q", fresh.Manifest.ID)}
		}
		b = fresh
	}

	inst, caps, err := r.instantiate(b)
	if err != nil {
		return nil, err
	}
	if r.fetcher != nil {
		if err := r.fetcher.SetPolicy(id, b.Manifest.Policy()); err != nil {
			_ = inst.Close()
			return nil, &LoadError{Kind: ValidationFailed, Extension: id, Path: b.Dir, Err: err}
		}
	}

	r.mu.Lock()
	old := e.inst
	e.bundle = b
	e.caps = caps
	e.inst = inst
	e.state = Loaded
	e.reason = ""
	e.faults = 0
	e.inflight = 0
	e.progress = Progress{}
	e.loadedAt = r.now()
	view := r.viewLocked(id, e)
	r.mu.Unlock()

	_ = old.Close()
	r.logger.Info("extension reloaded", "extension", id)
	r.stateChanged(ctx, id, Loaded, "")
	return view, nil
}

// Quarantine stops scheduling against the extension. In-flight calls
// drain normally.
func (r *Registry) Quarantine(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state == Unloaded {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.state == Quarantined {
		r.mu.Unlock()
		return nil
	}
	e.state = Quarantined
	e.reason = reason
	r.mu.Unlock()

	r.logger.Warn("extension quarantined", "extension", id, "reason", reason)
	r.stateChanged(ctx, id, Quarantined, reason)
	return nil
}

// Invoke calls fn on the extension's instance. Timeouts, traps and script
// errors not caused by a transient network failure count as faults;
// success resets the count.
func (r *Registry) Invoke(ctx context.Context, id, fn string, request []byte) ([]byte, error) {
	inst, err := r.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	var resp []byte
	if err = r.resetTrapped(ctx, id, inst); err == nil {
		resp, err = inst.Invoke(telemetry.WithExtension(ctx, id), fn, request)
	}
	r.end(ctx, id, inst)

	switch {
	case err == nil:
		r.RecordSuccess(id)
	case countsAsFault(ctx, err):
		r.RecordFault(ctx, id, err)
	}
	return resp, err
}

func countsAsFault(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, sandbox.ErrClosed) || sandbox.IsFault(err, sandbox.FaultBusy) {
		return false
	}
	var se *sandbox.ScriptError
	if errors.As(err, &se) {
		var t interface{ IsTransient() bool }
		return !(errors.As(err, &t) && t.IsTransient())
	}
	var f *sandbox.Fault
	return errors.As(err, &f)
}

func (r *Registry) begin(ctx context.Context, id string) (*sandbox.Instance, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state == Unloaded {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.state == Quarantined {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrQuarantined, id)
	}
	e.inflight++
	changed := e.state == Loaded
	e.state = Running
	inst := e.inst
	r.mu.Unlock()

	if changed {
		r.stateChanged(ctx, id, Running, "")
	}
	return inst, nil
}

func (r *Registry) end(ctx context.Context, id string, inst *sandbox.Instance) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.inst != inst {
		r.mu.Unlock()
		return
	}
	e.inflight--
	changed := e.inflight == 0 && e.state == Running
	if changed {
		e.state = Loaded
	}
	r.mu.Unlock()

	if changed {
		r.stateChanged(ctx, id, Loaded, "")
	}
}

// RecordFault counts a failure against the extension and quarantines it
// once the threshold of consecutive faults is reached.
func (r *Registry) RecordFault(ctx context.Context, id string, cause error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.faults++
	faults := e.faults
	quarantine := faults >= r.cfg.QuarantineThreshold && e.state != Quarantined && e.state != Unloaded
	r.mu.Unlock()

	kind := "error"
	var f *sandbox.Fault
	if errors.As(cause, &f) {
		kind = string(f.Kind)
	}
	telemetry.RecordExtensionFault(ctx, id, kind)
	r.logger.Debug("extension fault", "extension", id, "faults", faults, "error", cause)

	if quarantine {
		_ = r.Quarantine(ctx, id, fmt.Sprintf("%d consecutive faults, last: %v", faults, cause))
	}
}

// RecordSuccess clears the consecutive fault count.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.faults = 0
	}
}

// resetTrapped rebuilds an instance poisoned by an earlier trap. The trap
// itself was already counted as a fault; a quarantined extension never gets
// here because begin refuses it.
func (r *Registry) resetTrapped(ctx context.Context, id string, inst *sandbox.Instance) error {
	reason := inst.Trapped()
	if reason == "" {
		return nil
	}
	if err := inst.Reset(ctx); err != nil {
		return err
	}
	r.logger.Info("extension instance rebuilt after trap", "extension", id, "reason", reason)
	return nil
}

// CanSchedule reports whether a job of kind may run against the extension
// now: it must be loaded, not quarantined, and declare the capabilities
// the kind requires.
func (r *Registry) CanSchedule(id string, kind queue.Kind) error {
	required, ok := Required(kind)
	if !ok {
		return fmt.Errorf("unknown job kind %q", kind)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.state == Unloaded {
		return ErrNotFound
	}
	if e.state == Quarantined {
		return fmt.Errorf("%w: %s", ErrQuarantined, id)
	}
	if !e.caps.Has(required) {
		return fmt.Errorf("%w: %s needs %s for %s", ErrCapability, id, required, kind)
	}
	return nil
}

// Get returns a view of one extension.
func (r *Registry) Get(id string) (*Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.viewLocked(id, e), nil
}

// List returns views of all extensions sorted by id.
func (r *Registry) List() []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Extension, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, r.viewLocked(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every instance.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		_ = e.inst.Close()
	}
	return nil
}

func (r *Registry) viewLocked(id string, e *entry) *Extension {
	m := e.bundle.Manifest
	msgs := make([]Message, len(e.messages))
	copy(msgs, e.messages)
	return &Extension{
		ID:           id,
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Hash:         e.bundle.Hash.String(),
		Capabilities: e.caps,
		State:        e.state,
		Reason:       e.reason,
		Faults:       e.faults,
		InFlight:     e.inflight,
		Progress:     e.progress,
		Messages:     msgs,
		LoadedAt:     e.loadedAt,
	}
}

func (r *Registry) stateChanged(ctx context.Context, id string, state State, reason string) {
	telemetry.RecordExtensionState(ctx, id, string(state))
	if r.recorder != nil && state != Running {
		if err := r.recorder.SetExtensionState(ctx, id, string(state), reason); err != nil {
			r.logger.Warn("persisting extension state", "extension", id, "error", err)
		}
	}
	r.events.Publish(events.Event{Kind: events.ExtensionState, Extension: id, State: string(state), Reason: reason})
}

func (r *Registry) setProgress(id string, p Progress) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.progress = p
	}
	r.mu.Unlock()
	r.events.Publish(events.Event{Kind: events.Progress, Extension: id, Current: p.Current, Total: p.Total, Spinner: p.Spinner})
}

func (r *Registry) appendMessage(id, level, text string) {
	msg := Message{Time: r.now(), Level: level, Text: text}
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.messages = append(e.messages, msg)
		if over := len(e.messages) - r.cfg.MessageLog; over > 0 {
			e.messages = append(e.messages[:0], e.messages[over:]...)
		}
	}
	r.mu.Unlock()

	r.logger.Log(context.Background(), logLevel(level), text, "extension", id, "source", "script")
	r.events.Publish(events.Event{Kind: events.Message, Extension: id, Level: level, Message: text})
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
