// Package queue is the bounded, two-class priority queue feeding the
// orchestrator's workers.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfeidau/catalog-harvester/telemetry"
)

var (
	// ErrFull is returned by Enqueue when the queue is at capacity.
	ErrFull = errors.New("queue: full")
	// ErrEmpty is returned by Dequeue when no job arrived within the wait.
	ErrEmpty = errors.New("queue: empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// Config sizes the queue.
type Config struct {
	Capacity int
	// HighWater pauses Discover scheduling when the depth reaches it.
	HighWater int
	// LowWater resumes Discover scheduling once the depth drains to it.
	LowWater int
}

// DefaultConfig returns the default sizing.
func DefaultConfig() Config {
	return Config{Capacity: 1024, HighWater: 768, LowWater: 256}
}

func (c Config) normalized() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultConfig().Capacity
	}
	if c.HighWater <= 0 || c.HighWater > c.Capacity {
		c.HighWater = c.Capacity
	}
	if c.LowWater < 0 || c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater / 2
	}
	return c
}

// Queue is FIFO within a class. It is safe for concurrent use.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	classes [numClasses]*list.List
	ready   chan struct{}
	paused  bool
	closed  bool
}

// New creates a queue.
func New(cfg Config) *Queue {
	q := &Queue{cfg: cfg.normalized(), ready: make(chan struct{})}
	for i := range q.classes {
		q.classes[i] = list.New()
	}
	return q
}

// Enqueue appends job to its class. It fails fast with ErrFull.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.lenLocked() >= q.cfg.Capacity {
		q.paused = true
		return ErrFull
	}

	job.State = Pending
	class := job.Kind.Class()
	q.classes[class].PushBack(job)
	if q.lenLocked() >= q.cfg.HighWater {
		q.paused = true
	}
	q.recordDepth(class)

	close(q.ready)
	q.ready = make(chan struct{})
	return nil
}

// Dequeue removes the oldest job of the highest non-empty class. It waits
// at most wait for a job to arrive and returns ErrEmpty when none does.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	var timer *time.Timer
	var timeout <-chan time.Time
	for {
		q.mu.Lock()
		if job := q.popLocked(); job != nil {
			q.mu.Unlock()
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		ready := q.ready
		q.mu.Unlock()

		if timer == nil {
			if wait <= 0 {
				return nil, ErrEmpty
			}
			timer = time.NewTimer(wait)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-ready:
		case <-timeout:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) popLocked() *Job {
	for class, l := range q.classes {
		if front := l.Front(); front != nil {
			l.Remove(front)
			q.afterRemoveLocked(Class(class))
			return front.Value.(*Job)
		}
	}
	return nil
}

func (q *Queue) afterRemoveLocked(class Class) {
	if q.paused && q.lenLocked() <= q.cfg.LowWater {
		q.paused = false
	}
	q.recordDepth(class)
}

// Cancel removes every queued job of the sync token and returns them
// marked Cancelled.
func (q *Queue) Cancel(sync string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for class, l := range q.classes {
		removed := false
		for e := l.Front(); e != nil; {
			next := e.Next()
			if job := e.Value.(*Job); job.Sync == sync {
				l.Remove(e)
				job.State = Cancelled
				out = append(out, job)
				removed = true
			}
			e = next
		}
		if removed {
			q.afterRemoveLocked(Class(class))
		}
	}
	return out
}

// Paused reports whether Discover scheduling should hold off: set when the
// depth reaches the high-water mark or an enqueue was refused, cleared
// once the depth drains to the low-water mark.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// LenClass returns the number of queued jobs of one class.
func (q *Queue) LenClass(c Class) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.classes[c].Len()
}

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int { return q.cfg.Capacity }

// Close wakes all waiters. Queued jobs are returned so callers can mark
// them cancelled.
func (q *Queue) Close() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var out []*Job
	for _, l := range q.classes {
		for e := l.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*Job))
		}
		l.Init()
	}
	close(q.ready)
	return out
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, l := range q.classes {
		n += l.Len()
	}
	return n
}

func (q *Queue) recordDepth(c Class) {
	telemetry.RecordQueueDepth(context.Background(), c.String(), q.classes[c].Len())
}
