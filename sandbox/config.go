package sandbox

import "time"

// Config controls the resource limits of an instance.
type Config struct {
	// Timeout bounds the wall-clock time of one call, and of the bundle's
	// top-level evaluation.
	Timeout time.Duration
	// BusyTimeout is how long a call waits for a free slot before failing
	// with FaultBusy. Zero rejects immediately.
	BusyTimeout time.Duration
	// MaxCallStackSize caps JavaScript recursion depth.
	MaxCallStackSize int
	// MemoryLimit caps the bytes moved into one call: the request, host
	// fetch bodies and the serialized response. goja has no per-runtime
	// heap limit, so allocations made inside the script are not counted;
	// a script that allocates in a loop is stopped by Timeout instead.
	MemoryLimit int64
	// Slots is the number of independent VMs. Values above one are only
	// honoured for reentrant extensions.
	Slots int
	// Reentrant allows concurrent calls, one per slot.
	Reentrant bool
	// AllowNetwork installs host.fetch and host.fetchBytes.
	AllowNetwork bool
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		BusyTimeout:      5 * time.Second,
		MaxCallStackSize: 1024,
		MemoryLimit:      64 << 20,
		Slots:            1,
	}
}

func (c Config) slots() int {
	if !c.Reentrant || c.Slots < 1 {
		return 1
	}
	return c.Slots
}
