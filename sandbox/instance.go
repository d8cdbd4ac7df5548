// Package sandbox executes untrusted extension scripts in isolated goja
// VMs with wall-clock, stack and memory limits.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/wolfeidau/catalog-harvester/telemetry"
)

var (
	errTimeout     = errors.New("execution timeout exceeded")
	errMemoryLimit = errors.New("memory limit exceeded")
)

const stackOverflowMessage = "Maximum call stack size exceeded"

// Instance is one loaded extension bundle. Each slot owns a VM; a call holds
// a slot for its whole duration, so calls on one slot never interleave.
type Instance struct {
	id      string
	program *goja.Program
	cfg     Config
	host    Host
	logger  *slog.Logger

	mu      sync.Mutex
	slots   chan *slot
	exports map[string]bool
	trapped atomic.Pointer[string]
	closed  atomic.Bool
	done    chan struct{}
}

type slot struct {
	inst *Instance
	vm   *goja.Runtime
	call *callState
}

// callState is owned by the goroutine running the call, except for the
// interrupt flags which timers set under mu.
type callState struct {
	// ctx is the caller's context bounded by the call timeout; host
	// functions block on it so a stuck fetch is aborted with the call.
	ctx     context.Context
	parent  context.Context
	budget  int64
	used    int64
	hostErr error

	mu          sync.Mutex
	finished    bool
	timedOut    bool
	canceled    bool
	memExceeded bool
}

// Option configures an Instance.
type Option func(*Instance)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Instance) {
		i.logger = logger
	}
}

// New compiles source and evaluates it in every slot. A syntax error or a
// failing top-level evaluation is returned as a ScriptError or Fault.
func New(id, name, source string, host Host, cfg Config, opts ...Option) (*Instance, error) {
	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, &ScriptError{Extension: id, Function: "<compile>", Message: err.Error()}
	}
	if host == nil {
		host = NopHost{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	inst := &Instance{
		id:      id,
		program: program,
		cfg:     cfg,
		host:    host,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(inst)
	}
	inst.logger = inst.logger.With("extension", id)

	slots, exports, err := inst.buildSlots(context.Background())
	if err != nil {
		return nil, err
	}
	inst.slots = slots
	inst.exports = exports
	return inst, nil
}

func (inst *Instance) buildSlots(ctx context.Context) (chan *slot, map[string]bool, error) {
	n := inst.cfg.slots()
	slots := make(chan *slot, n)
	var exports map[string]bool
	for range n {
		s, err := inst.newSlot(ctx)
		if err != nil {
			return nil, nil, err
		}
		if exports == nil {
			exports = s.functions()
		}
		slots <- s
	}
	return slots, exports, nil
}

func (inst *Instance) newSlot(ctx context.Context) (*slot, error) {
	vm := goja.New()
	if inst.cfg.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(inst.cfg.MaxCallStackSize)
	}
	s := &slot{inst: inst, vm: vm}
	if err := s.installGlobals(); err != nil {
		return nil, fmt.Errorf("installing globals: %w", err)
	}
	if _, err := s.exec(ctx, "<init>", func() (goja.Value, error) {
		return vm.RunProgram(inst.program)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *slot) functions() map[string]bool {
	out := make(map[string]bool)
	global := s.vm.GlobalObject()
	for _, key := range global.Keys() {
		if _, ok := goja.AssertFunction(global.Get(key)); ok {
			out[key] = true
		}
	}
	return out
}

// ID returns the extension id.
func (inst *Instance) ID() string { return inst.id }

// HasFunction reports whether the bundle defines a global function name.
func (inst *Instance) HasFunction(name string) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.exports[name]
}

// Trapped returns the reason the instance was poisoned, or "".
func (inst *Instance) Trapped() string {
	if r := inst.trapped.Load(); r != nil {
		return *r
	}
	return ""
}

// Invoke calls the global function fn with request decoded from JSON and
// returns the JSON encoding of its result. ArrayBuffers in the result are
// encoded as base64 strings.
func (inst *Instance) Invoke(ctx context.Context, fn string, request []byte) ([]byte, error) {
	start := time.Now()
	resp, err := inst.invoke(ctx, fn, request)
	telemetry.RecordSandboxCall(ctx, inst.id, fn, callOutcome(err), time.Since(start))
	return resp, err
}

func (inst *Instance) invoke(ctx context.Context, fn string, request []byte) ([]byte, error) {
	if inst.closed.Load() {
		return nil, ErrClosed
	}
	if reason := inst.Trapped(); reason != "" {
		return nil, &Fault{Kind: FaultTrapped, Extension: inst.id, Function: fn, Reason: "not reset after trap: " + reason}
	}

	var arg any
	if len(request) > 0 {
		if err := json.Unmarshal(request, &arg); err != nil {
			return nil, fmt.Errorf("decoding request for %s: %w", fn, err)
		}
	}

	s, err := inst.acquire(ctx, fn)
	if err != nil {
		return nil, err
	}
	defer func() { inst.slots <- s }()

	var out []byte
	_, err = s.exec(ctx, fn, func() (goja.Value, error) {
		if !s.account(len(request)) {
			return nil, errMemoryLimit
		}
		callable, ok := goja.AssertFunction(s.vm.Get(fn))
		if !ok {
			return nil, &ScriptError{Extension: inst.id, Function: fn, Message: "function is not defined"}
		}
		val, err := callable(goja.Undefined(), s.vm.ToValue(arg))
		if err != nil {
			return nil, err
		}
		out, err = s.encodeResult(fn, val)
		return val, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (inst *Instance) acquire(ctx context.Context, fn string) (*slot, error) {
	select {
	case s := <-inst.slots:
		return s, nil
	default:
	}

	busy := &Fault{Kind: FaultBusy, Extension: inst.id, Function: fn, Reason: "no free execution slot"}
	if inst.cfg.BusyTimeout <= 0 {
		return nil, busy
	}

	timer := time.NewTimer(inst.cfg.BusyTimeout)
	defer timer.Stop()

	select {
	case s := <-inst.slots:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-inst.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, busy
	}
}

// exec runs fn on the slot's VM under the timeout, memory budget and
// cancellation of ctx, and classifies whatever went wrong.
func (s *slot) exec(ctx context.Context, fn string, run func() (goja.Value, error)) (val goja.Value, err error) {
	callCtx, cancel := context.WithCancelCause(ctx)
	st := &callState{ctx: callCtx, parent: ctx, budget: s.inst.cfg.MemoryLimit}
	s.call = st

	timer := time.AfterFunc(s.inst.cfg.Timeout, func() {
		st.interrupt(s.vm, errTimeout, func() { st.timedOut = true })
		cancel(errTimeout)
	})
	stopCancel := context.AfterFunc(ctx, func() {
		st.interrupt(s.vm, context.Cause(ctx), func() { st.canceled = true })
	})

	defer func() {
		timer.Stop()
		stopCancel()
		cancel(nil)
		st.mu.Lock()
		st.finished = true
		st.mu.Unlock()
		s.vm.ClearInterrupt()
		s.call = nil
	}()

	defer func() {
		if r := recover(); r != nil {
			err = s.inst.trap(fn, fmt.Sprintf("panic: %v", r))
		}
	}()

	val, err = run()
	if err == nil {
		st.mu.Lock()
		timedOut := st.timedOut
		st.mu.Unlock()
		if !timedOut {
			return val, nil
		}
		err = errTimeout
	}
	return nil, s.classify(fn, st, err)
}

func (st *callState) interrupt(vm *goja.Runtime, reason error, mark func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return
	}
	mark()
	vm.Interrupt(reason)
}

func (s *slot) classify(fn string, st *callState, err error) error {
	st.mu.Lock()
	timedOut, canceled, memExceeded := st.timedOut, st.canceled, st.memExceeded
	st.mu.Unlock()

	var (
		se *ScriptError
		so *goja.StackOverflowError
		ie *goja.InterruptedError
		ex *goja.Exception
	)
	switch {
	case memExceeded:
		return s.inst.trap(fn, errMemoryLimit.Error())
	case timedOut:
		return &Fault{Kind: FaultTimeout, Extension: s.inst.id, Function: fn, Reason: s.inst.cfg.Timeout.String()}
	case canceled:
		return st.parent.Err()
	case errors.As(err, &se):
		return err
	case errors.As(err, &so), strings.Contains(err.Error(), stackOverflowMessage):
		return s.inst.trap(fn, "stack overflow")
	case errors.As(err, &ie):
		return s.inst.trap(fn, fmt.Sprintf("interrupted: %v", ie.Value()))
	case errors.As(err, &ex):
		return &ScriptError{Extension: s.inst.id, Function: fn, Message: ex.Value().String(), Cause: st.hostErr}
	default:
		return &ScriptError{Extension: s.inst.id, Function: fn, Message: err.Error(), Cause: st.hostErr}
	}
}

func (inst *Instance) trap(fn, reason string) error {
	inst.trapped.CompareAndSwap(nil, &reason)
	inst.logger.Warn("extension trapped", "function", fn, "reason", reason)
	return &Fault{Kind: FaultTrapped, Extension: inst.id, Function: fn, Reason: reason}
}

// account adds n bytes to the call's memory use. It reports false, and
// interrupts the VM, once the budget is exhausted.
func (s *slot) account(n int) bool {
	st := s.call
	if st == nil {
		return true
	}
	st.used += int64(n)
	if st.budget <= 0 || st.used <= st.budget {
		return true
	}
	st.interrupt(s.vm, errMemoryLimit, func() { st.memExceeded = true })
	return false
}

// charge is account for host functions running inside the VM; it throws
// into the script when the budget is exhausted.
func (s *slot) charge(n int) {
	if !s.account(n) {
		panic(s.vm.NewGoError(errMemoryLimit))
	}
}

func (s *slot) encodeResult(fn string, val goja.Value) ([]byte, error) {
	if p, ok := val.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			val = p.Result()
		case goja.PromiseStateRejected:
			return nil, &ScriptError{Extension: s.inst.id, Function: fn, Message: p.Result().String(), Cause: s.call.hostErr}
		default:
			return nil, &ScriptError{Extension: s.inst.id, Function: fn, Message: "promise did not settle"}
		}
	}

	var exported any
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		exported = toJSONable(val.Export())
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return nil, &ScriptError{Extension: s.inst.id, Function: fn, Message: "result is not serializable: " + err.Error()}
	}
	if !s.account(len(data)) {
		return nil, errMemoryLimit
	}
	return data, nil
}

func toJSONable(v any) any {
	switch t := v.(type) {
	case goja.ArrayBuffer:
		return t.Bytes()
	case map[string]any:
		for k, e := range t {
			t[k] = toJSONable(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = toJSONable(e)
		}
		return t
	default:
		return v
	}
}

// Reset waits for in-flight calls, rebuilds every VM from the bundle and
// clears the trapped state.
func (inst *Instance) Reset(ctx context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.closed.Load() {
		return ErrClosed
	}

	n := cap(inst.slots)
	var held []*slot
	for len(held) < n {
		select {
		case s := <-inst.slots:
			held = append(held, s)
		case <-ctx.Done():
			for _, s := range held {
				inst.slots <- s
			}
			return ctx.Err()
		}
	}

	fresh := make([]*slot, 0, n)
	for range n {
		s, err := inst.newSlot(ctx)
		if err != nil {
			for _, old := range held {
				inst.slots <- old
			}
			return fmt.Errorf("resetting %s: %w", inst.id, err)
		}
		fresh = append(fresh, s)
	}
	for _, s := range fresh {
		inst.slots <- s
	}
	inst.exports = fresh[0].functions()
	inst.trapped.Store(nil)
	inst.logger.Info("extension instance reset")
	return nil
}

// Close refuses further calls. Calls already running finish normally.
func (inst *Instance) Close() error {
	if inst.closed.CompareAndSwap(false, true) {
		close(inst.done)
	}
	return nil
}

func callOutcome(err error) string {
	var f *Fault
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &f):
		return string(f.Kind)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
