// Package orchestrator drives the discover, list and fetch pipeline for
// extensions: a worker pool over the job queue with per-extension
// concurrency limits, retries with backoff, backpressure and cancellable
// syncs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/download"
	"github.com/wolfeidau/catalog-harvester/events"
	"github.com/wolfeidau/catalog-harvester/queue"
	"github.com/wolfeidau/catalog-harvester/store"
	"github.com/wolfeidau/catalog-harvester/store/index"
	"github.com/wolfeidau/catalog-harvester/telemetry"
)

// Extensions is the registry surface the orchestrator schedules against.
// *registry.Registry implements it.
type Extensions interface {
	Invoke(ctx context.Context, id, fn string, request []byte) ([]byte, error)
	CanSchedule(id string, kind queue.Kind) error
	RecordFault(ctx context.Context, id string, cause error)
}

type retryEntry struct {
	timer *time.Timer
	job   *queue.Job
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	queue  *queue.Queue
	exts   Extensions
	store  *store.Store
	dl     *download.Downloader
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	syncs     map[string]*syncState
	active    map[string]string
	finished  []string
	deferred  []*queue.Job
	discovers []*queue.Job
	running   map[string]int
	waiting   map[string][]*queue.Job
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithPublisher sets where job and sync events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.events = p
	}
}

// New creates an orchestrator. Call Start to run the workers.
func New(cfg Config, q *queue.Queue, exts Extensions, s *store.Store, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg.normalized(),
		queue:   q,
		exts:    exts,
		store:   s,
		events:  events.Nop{},
		logger:  slog.Default(),
		now:     time.Now,
		syncs:   make(map[string]*syncState),
		active:  make(map[string]string),
		running: make(map[string]int),
		waiting: make(map[string][]*queue.Job),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	o.dl = download.New(download.WithLogger(o.logger))
	return o
}

// Start launches the worker pool and the backlog pump.
func (o *Orchestrator) Start() {
	o.logger.Info("starting orchestrator", "workers", o.cfg.Workers, "per_extension", o.cfg.PerExtension)
	for i := range o.cfg.Workers {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.wg.Add(1)
	go o.pump()
}

// Stop cancels running jobs, waits for the workers and marks everything
// still queued or waiting as cancelled.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true

	leftover := o.queue.Close()
	leftover = append(leftover, o.deferred...)
	leftover = append(leftover, o.discovers...)
	for _, jobs := range o.waiting {
		leftover = append(leftover, jobs...)
	}
	o.deferred, o.discovers = nil, nil
	o.waiting = make(map[string][]*queue.Job)
	for _, st := range o.syncs {
		for id, re := range st.timers {
			re.timer.Stop()
			delete(st.timers, id)
			leftover = append(leftover, re.job)
		}
	}
	for _, job := range leftover {
		o.finishLocked(job, queue.Cancelled, "shutdown")
	}
	o.logger.Info("orchestrator stopped", "cancelled_jobs", len(leftover))
}

// Stats is a snapshot of scheduler occupancy.
type Stats struct {
	Queued      int  `json:"queued"`
	Deferred    int  `json:"deferred"`
	Discovers   int  `json:"deferred_discovers"`
	Waiting     int  `json:"waiting"`
	Running     int  `json:"running"`
	ActiveSyncs int  `json:"active_syncs"`
	Paused      bool `json:"paused"`
}

// Stats returns a snapshot of scheduler occupancy.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{
		Queued:      o.queue.Len(),
		Deferred:    len(o.deferred),
		Discovers:   len(o.discovers),
		ActiveSyncs: len(o.active),
		Paused:      o.queue.Paused(),
	}
	for _, jobs := range o.waiting {
		s.Waiting += len(jobs)
	}
	for _, n := range o.running {
		s.Running += n
	}
	return s
}

// trackLocked counts a new job against its sync and pins its expected blob.
func (o *Orchestrator) trackLocked(st *syncState, job *queue.Job) {
	st.outstanding++
	if h, ok := pinHash(job); ok {
		o.store.Blobs().Pin(h)
	}
}

// submitLocked routes a pending job: cancelled syncs drop it, Discover jobs
// wait while the queue is above its high-water mark, and a full queue
// defers the job to the pump.
func (o *Orchestrator) submitLocked(job *queue.Job) {
	st := o.syncs[job.Sync]
	if st == nil || st.state == SyncCancelled || o.stopped {
		o.finishLocked(job, queue.Cancelled, "sync cancelled")
		return
	}
	job.State = queue.Pending

	if job.Kind == queue.Discover && (len(o.discovers) > 0 || o.queue.Paused()) {
		o.discovers = append(o.discovers, job)
		return
	}
	if job.Kind != queue.Discover && len(o.deferred) > 0 {
		o.deferred = append(o.deferred, job)
		return
	}

	switch err := o.queue.Enqueue(job); {
	case err == nil:
	case errors.Is(err, queue.ErrFull):
		if job.Kind == queue.Discover {
			o.discovers = append(o.discovers, job)
		} else {
			o.deferred = append(o.deferred, job)
		}
	default:
		o.finishLocked(job, queue.Cancelled, err.Error())
	}
}

// pump moves deferred jobs into the queue as it drains, and releases
// Discover jobs once the queue is back under its low-water mark.
func (o *Orchestrator) pump() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.drainBacklog()
		}
	}
}

func (o *Orchestrator) drainBacklog() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.deferred) > 0 {
		if err := o.queue.Enqueue(o.deferred[0]); err != nil {
			return
		}
		o.deferred = o.deferred[1:]
	}
	for len(o.discovers) > 0 && !o.queue.Paused() {
		if err := o.queue.Enqueue(o.discovers[0]); err != nil {
			return
		}
		o.discovers = o.discovers[1:]
	}
}

func (o *Orchestrator) worker(n int) {
	defer o.wg.Done()
	logger := o.logger.With("worker", n)

	for {
		job, err := o.queue.Dequeue(o.ctx, o.cfg.DequeueWait)
		switch {
		case err == nil:
			o.dispatch(job)
		case errors.Is(err, queue.ErrEmpty):
		default:
			if o.ctx.Err() == nil {
				logger.Error("dequeue failed", "error", err)
			}
			return
		}
	}
}

// dispatch runs a dequeued job unless its sync was cancelled, its
// extension can no longer take it, or the extension is at its concurrency
// limit, in which case the job waits for a slot.
func (o *Orchestrator) dispatch(job *queue.Job) {
	o.mu.Lock()
	if st := o.syncs[job.Sync]; st == nil || st.state == SyncCancelled {
		o.finishLocked(job, queue.Cancelled, "sync cancelled")
		o.mu.Unlock()
		return
	}
	if err := o.exts.CanSchedule(job.Extension, job.Kind); err != nil {
		o.finishLocked(job, queue.Failed, err.Error())
		o.mu.Unlock()
		return
	}
	if o.running[job.Extension] >= o.cfg.PerExtension {
		o.waiting[job.Extension] = append(o.waiting[job.Extension], job)
		o.mu.Unlock()
		return
	}
	o.running[job.Extension]++
	job.State = queue.Running
	o.publishJob(job, "")
	o.mu.Unlock()

	start := o.now()
	children, err := o.execute(job)
	telemetry.RecordJob(o.ctx, string(job.Kind), job.Extension, outcome(err), o.now().Sub(start))

	o.mu.Lock()
	o.running[job.Extension]--
	if o.running[job.Extension] == 0 {
		delete(o.running, job.Extension)
	}
	if next := o.waiting[job.Extension]; len(next) > 0 {
		o.waiting[job.Extension] = next[1:]
		if len(next) == 1 {
			delete(o.waiting, job.Extension)
		}
		o.submitLocked(next[0])
	}
	follow := o.completeLocked(job, children, err)
	o.mu.Unlock()

	if follow != nil {
		follow()
	}
}

func outcome(err error) string {
	if err == nil {
		return "done"
	}
	if retryable(err) {
		return "retrying"
	}
	return "failed"
}

// execute runs one attempt of job with the job timeout, converting panics
// into errors.
func (o *Orchestrator) execute(job *queue.Job) (children []*queue.Job, err error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.JobTimeout)
	defer cancel()
	ctx = telemetry.WithExtension(ctx, job.Extension)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job panicked", "job_id", job.ID, "kind", job.Kind, "panic", r)
			children, err = nil, fmt.Errorf("job panicked: %v", r)
		}
	}()

	switch job.Kind {
	case queue.Discover:
		return o.discover(ctx, job)
	case queue.FetchMetadata:
		return o.fetchMetadata(ctx, job)
	case queue.FetchAsset:
		return nil, o.fetchAsset(ctx, job)
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// completeLocked applies the outcome of an attempt. A returned func must be
// called without the lock held; it settles a failed job.
func (o *Orchestrator) completeLocked(job *queue.Job, children []*queue.Job, err error) func() {
	logger := o.logger.With("job_id", job.ID, "kind", job.Kind, "extension", job.Extension, "sync", job.Sync)
	st := o.syncs[job.Sync]

	if err == nil {
		for _, child := range children {
			if st != nil {
				o.trackLocked(st, child)
			}
			o.submitLocked(child)
		}
		o.finishLocked(job, queue.Done, "")
		return nil
	}

	if o.ctx.Err() != nil {
		o.finishLocked(job, queue.Cancelled, "shutdown")
		return nil
	}
	if st != nil && st.state == SyncCancelled {
		o.finishLocked(job, queue.Cancelled, "sync cancelled")
		return nil
	}

	var mismatch *ChecksumMismatch
	if errors.As(err, &mismatch) && !job.Refetch {
		logger.Warn("checksum mismatch, fetching again", "locator", job.Locator, "error", err)
		job.Refetch = true
		if st != nil {
			st.refetched++
		}
		o.submitLocked(job)
		return nil
	}

	if retryable(err) && job.Attempt < o.cfg.MaxRetries && st != nil && st.state == SyncRunning {
		job.Attempt++
		job.State = queue.Retrying
		delay := o.cfg.backoff(job.Attempt)
		st.retried++
		logger.Warn("job failed, retrying", "attempt", job.Attempt, "delay", delay, "error", err)
		o.publishJob(job, err.Error())

		id := job.ID
		st.timers[id] = retryEntry{job: job, timer: time.AfterFunc(delay, func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := st.timers[id]; !ok {
				return
			}
			delete(st.timers, id)
			o.submitLocked(job)
		})}
		return nil
	}

	logger.Error("job failed", "attempt", job.Attempt, "error", err)

	// Side effects of a failure land before the job settles so a waiter on
	// the sync observes them.
	return func() {
		ctx := context.WithoutCancel(o.ctx)
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			o.exts.RecordFault(ctx, job.Extension, err)
		case job.Kind == queue.FetchAsset:
			status := index.AssetFailed
			if mismatch != nil {
				status = index.AssetCorrupt
			}
			if merr := o.store.MarkAsset(ctx, job.ItemID, job.Slot, status, err.Error()); merr != nil && !errors.Is(merr, store.ErrNotFound) {
				logger.Warn("marking asset", "item", job.ItemID, "slot", job.Slot, "error", merr)
			}
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		o.finishLocked(job, queue.Failed, err.Error())
	}
}

// finishLocked moves a job to a terminal state and settles its sync.
func (o *Orchestrator) finishLocked(job *queue.Job, state queue.State, reason string) {
	job.State = state
	if h, ok := pinHash(job); ok {
		o.store.Blobs().Unpin(h)
	}
	if state == queue.Cancelled {
		telemetry.RecordJob(o.ctx, string(job.Kind), job.Extension, string(state), 0)
	}
	o.publishJob(job, reason)

	st := o.syncs[job.Sync]
	if st == nil {
		return
	}
	switch state {
	case queue.Done:
		st.done++
	case queue.Failed:
		st.failed++
		st.lastError = reason
	case queue.Cancelled:
		st.cancelled++
	}
	st.outstanding--
	if st.outstanding == 0 {
		o.settleLocked(st)
	}
}

func (o *Orchestrator) publishJob(job *queue.Job, reason string) {
	e := events.Event{
		Kind:      events.JobState,
		Extension: job.Extension,
		Sync:      job.Sync,
		JobID:     job.ID,
		JobKind:   string(job.Kind),
		State:     string(job.State),
		Reason:    reason,
		Attempt:   job.Attempt,
	}
	if job.CollectionExternal != "" {
		e.Collection = job.CollectionExternal
	}
	if job.ItemRef != "" {
		e.Item = job.ItemRef
	}
	o.events.Publish(e)
}

func pinHash(job *queue.Job) (harvester.Hash, bool) {
	if job.Kind != queue.FetchAsset || job.Digest == "" {
		return harvester.Hash{}, false
	}
	d, err := harvester.ParseDigest(job.Digest)
	if err != nil || d.Alg != harvester.AlgBLAKE3 {
		return harvester.Hash{}, false
	}
	return d.Hash, true
}
