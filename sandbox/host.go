package sandbox

import (
	"context"
	"errors"
	"strings"

	"github.com/dop251/goja"
)

// FetchResult is a text response delivered to host.fetch.
type FetchResult struct {
	Status      int
	Body        string
	ContentType string
}

// Host implements the functions extension code reaches through the `host`
// global. Calls arrive on the goroutine running the invocation.
type Host interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
	FetchBytes(ctx context.Context, url string) ([]byte, string, error)
	Progress(current, total int64)
	Spinner()
	ClearProgress()
	Log(level, message string)
}

// NopHost refuses network access and drops progress and log output.
type NopHost struct{}

var errNoNetwork = errors.New("network access is not available")

func (NopHost) Fetch(context.Context, string) (*FetchResult, error) { return nil, errNoNetwork }
func (NopHost) FetchBytes(context.Context, string) ([]byte, string, error) {
	return nil, "", errNoNetwork
}
func (NopHost) Progress(int64, int64) {}
func (NopHost) Spinner()              {}
func (NopHost) ClearProgress()        {}
func (NopHost) Log(string, string)    {}

var (
	errNetworkCapability = errors.New("extension did not declare the network capability")
	errOutsideCall       = errors.New("host functions are unavailable outside a call")
)

func isTransient(err error) bool {
	var t interface{ IsTransient() bool }
	return errors.As(err, &t) && t.IsTransient()
}

// installGlobals strips ambient capabilities and installs console and host.
func (s *slot) installGlobals() error {
	vm := s.vm
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "clearTimeout", "clearInterval"} {
		if err := vm.Set(name, noop); err != nil {
			return err
		}
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := level
		if lvl == "log" {
			lvl = "info"
		}
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			s.inst.host.Log(lvl, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	host := vm.NewObject()
	_ = host.Set("fetch", s.hostFetch)
	_ = host.Set("fetchBytes", s.hostFetchBytes)
	_ = host.Set("progress", func(call goja.FunctionCall) goja.Value {
		s.inst.host.Progress(call.Argument(0).ToInteger(), call.Argument(1).ToInteger())
		return goja.Undefined()
	})
	_ = host.Set("spinner", func(goja.FunctionCall) goja.Value {
		s.inst.host.Spinner()
		return goja.Undefined()
	})
	_ = host.Set("clearProgress", func(goja.FunctionCall) goja.Value {
		s.inst.host.ClearProgress()
		return goja.Undefined()
	})
	_ = host.Set("log", func(call goja.FunctionCall) goja.Value {
		s.inst.host.Log(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})

	htmlObj := vm.NewObject()
	_ = htmlObj.Set("select", func(call goja.FunctionCall) goja.Value {
		nodes, err := selectHTML(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		size := 0
		for _, n := range nodes {
			size += len(n.HTML) + len(n.Text)
		}
		s.charge(size)
		return vm.ToValue(nodesToJS(nodes))
	})
	_ = host.Set("html", htmlObj)

	return vm.Set("host", host)
}

func (s *slot) current() *callState {
	if s.call == nil {
		panic(s.vm.NewGoError(errOutsideCall))
	}
	return s.call
}

func (s *slot) hostFetch(call goja.FunctionCall) goja.Value {
	st := s.current()
	if !s.inst.cfg.AllowNetwork {
		panic(s.vm.NewGoError(errNetworkCapability))
	}

	res, err := s.inst.host.Fetch(st.ctx, call.Argument(0).String())
	if err != nil {
		st.hostErr = err
		return s.vm.ToValue(map[string]any{
			"ok":        false,
			"status":    0,
			"body":      "",
			"error":     err.Error(),
			"transient": isTransient(err),
		})
	}

	s.charge(len(res.Body))
	return s.vm.ToValue(map[string]any{
		"ok":          res.Status >= 200 && res.Status < 300,
		"status":      res.Status,
		"body":        res.Body,
		"contentType": res.ContentType,
	})
}

func (s *slot) hostFetchBytes(call goja.FunctionCall) goja.Value {
	st := s.current()
	if !s.inst.cfg.AllowNetwork {
		panic(s.vm.NewGoError(errNetworkCapability))
	}

	data, _, err := s.inst.host.FetchBytes(st.ctx, call.Argument(0).String())
	if err != nil {
		st.hostErr = err
		panic(s.vm.NewGoError(err))
	}
	s.charge(len(data))
	return s.vm.ToValue(s.vm.NewArrayBuffer(data))
}

func nodesToJS(nodes []Node) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		attrs := make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			attrs[k] = v
		}
		out[i] = map[string]any{"text": n.Text, "html": n.HTML, "attrs": attrs}
	}
	return out
}
