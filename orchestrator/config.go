package orchestrator

import (
	"math/rand/v2"
	"time"
)

// Config controls the worker pool and retry policy.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int
	// PerExtension caps concurrent jobs against one extension.
	PerExtension int
	// MaxRetries is how many times a retryable failure is retried before
	// the job fails.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// JobTimeout bounds one job attempt.
	JobTimeout time.Duration
	// DequeueWait is how long an idle worker waits for a job before
	// checking for shutdown.
	DequeueWait time.Duration
	// PumpInterval is how often deferred jobs are moved into the queue.
	PumpInterval time.Duration
	// KeepFinished is how many finished syncs are kept for status queries.
	KeepFinished int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PerExtension: 2,
		MaxRetries:   3,
		BackoffBase:  time.Second,
		BackoffMax:   30 * time.Second,
		JobTimeout:   5 * time.Minute,
		DequeueWait:  time.Second,
		PumpInterval: 50 * time.Millisecond,
		KeepFinished: 256,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.PerExtension < 1 {
		c.PerExtension = d.PerExtension
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = d.DequeueWait
	}
	if c.PumpInterval <= 0 {
		c.PumpInterval = d.PumpInterval
	}
	if c.KeepFinished < 1 {
		c.KeepFinished = d.KeepFinished
	}
	return c
}

// backoff returns the delay before retry number attempt (1-based), with
// up to 20% jitter.
func (c Config) backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt && d < c.BackoffMax; i++ {
		d *= 2
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d - jitter
}
