package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/catalog-harvester/events"
	"github.com/wolfeidau/catalog-harvester/queue"
)

// SyncState is the lifecycle state of a sync.
type SyncState string

const (
	SyncRunning   SyncState = "running"
	SyncCompleted SyncState = "completed"
	SyncCancelled SyncState = "cancelled"
)

type syncState struct {
	token       string
	extension   string
	state       SyncState
	started     time.Time
	finished    time.Time
	outstanding int
	done        int
	failed      int
	cancelled   int
	retried     int
	refetched   int
	lastError   string
	timers      map[string]retryEntry
	doneCh      chan struct{}
}

// SyncStatus is a snapshot of one sync.
type SyncStatus struct {
	Token       string    `json:"token"`
	Extension   string    `json:"extension"`
	State       SyncState `json:"state"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished,omitzero"`
	Outstanding int       `json:"outstanding"`
	Done        int       `json:"done"`
	Failed      int       `json:"failed"`
	Cancelled   int       `json:"cancelled"`
	Retried     int       `json:"retried"`
	Refetched   int       `json:"refetched"`
	LastError   string    `json:"last_error,omitempty"`
}

func (st *syncState) status() SyncStatus {
	return SyncStatus{
		Token:       st.token,
		Extension:   st.extension,
		State:       st.state,
		Started:     st.started,
		Finished:    st.finished,
		Outstanding: st.outstanding,
		Done:        st.done,
		Failed:      st.failed,
		Cancelled:   st.cancelled,
		Retried:     st.retried,
		Refetched:   st.refetched,
		LastError:   st.lastError,
	}
}

// Sync starts a full sync of an extension and returns its token. While a
// sync of the extension is running, Sync returns that sync's token instead
// of starting another.
func (o *Orchestrator) Sync(ctx context.Context, extension string) (string, error) {
	if err := o.exts.CanSchedule(extension, queue.Discover); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped || o.ctx.Err() != nil {
		return "", ErrStopped
	}
	if token, ok := o.active[extension]; ok {
		return token, nil
	}

	st := &syncState{
		token:     uuid.NewString(),
		extension: extension,
		state:     SyncRunning,
		started:   o.now(),
		timers:    make(map[string]retryEntry),
		doneCh:    make(chan struct{}),
	}
	o.syncs[st.token] = st
	o.active[extension] = st.token

	o.logger.InfoContext(ctx, "sync started", "extension", extension, "sync", st.token)
	o.events.Publish(events.Event{Kind: events.SyncStarted, Extension: extension, Sync: st.token})

	job := queue.NewJob(queue.Discover, extension, st.token)
	o.trackLocked(st, job)
	o.submitLocked(job)
	return st.token, nil
}

// CancelSync cancels a running sync. Queued, deferred and retry-pending
// jobs are cancelled at once; running jobs finish their current attempt
// and are not retried. Cancelling a finished sync is a no-op.
func (o *Orchestrator) CancelSync(ctx context.Context, token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.syncs[token]
	if !ok {
		return ErrUnknownSync
	}
	if st.state != SyncRunning {
		return nil
	}
	st.state = SyncCancelled
	if o.active[st.extension] == token {
		delete(o.active, st.extension)
	}

	dropped := o.queue.Cancel(token)
	o.deferred, dropped = partition(o.deferred, token, dropped)
	o.discovers, dropped = partition(o.discovers, token, dropped)
	for ext, jobs := range o.waiting {
		var keep []*queue.Job
		keep, dropped = partition(jobs, token, dropped)
		if len(keep) == 0 {
			delete(o.waiting, ext)
		} else {
			o.waiting[ext] = keep
		}
	}
	for id, re := range st.timers {
		re.timer.Stop()
		delete(st.timers, id)
		dropped = append(dropped, re.job)
	}

	o.logger.InfoContext(ctx, "sync cancelled", "extension", st.extension, "sync", token, "dropped_jobs", len(dropped))
	o.events.Publish(events.Event{Kind: events.SyncCancelled, Extension: st.extension, Sync: token})

	for _, job := range dropped {
		o.finishLocked(job, queue.Cancelled, "sync cancelled")
	}
	return nil
}

// partition moves jobs of the given sync from jobs into dropped.
func partition(jobs []*queue.Job, token string, dropped []*queue.Job) ([]*queue.Job, []*queue.Job) {
	keep := jobs[:0]
	for _, job := range jobs {
		if job.Sync == token {
			dropped = append(dropped, job)
		} else {
			keep = append(keep, job)
		}
	}
	return keep, dropped
}

// Status returns a snapshot of a sync.
func (o *Orchestrator) Status(token string) (SyncStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.syncs[token]
	if !ok {
		return SyncStatus{}, ErrUnknownSync
	}
	return st.status(), nil
}

// Syncs returns snapshots of the active and recently finished syncs.
func (o *Orchestrator) Syncs() []SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SyncStatus, 0, len(o.syncs))
	for _, st := range o.syncs {
		out = append(out, st.status())
	}
	return out
}

// Wait blocks until the sync has no outstanding jobs or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, token string) (SyncStatus, error) {
	o.mu.Lock()
	st, ok := o.syncs[token]
	o.mu.Unlock()
	if !ok {
		return SyncStatus{}, ErrUnknownSync
	}

	select {
	case <-st.doneCh:
		return o.Status(token)
	case <-ctx.Done():
		return SyncStatus{}, ctx.Err()
	}
}

// settleLocked finishes a sync whose last job has reached a terminal state.
func (o *Orchestrator) settleLocked(st *syncState) {
	select {
	case <-st.doneCh:
		return
	default:
	}
	st.finished = o.now()
	if st.state == SyncRunning {
		st.state = SyncCompleted
		o.events.Publish(events.Event{
			Kind:      events.SyncCompleted,
			Extension: st.extension,
			Sync:      st.token,
			Current:   int64(st.done),
			Total:     int64(st.done + st.failed),
		})
		o.logger.Info("sync completed",
			"extension", st.extension, "sync", st.token,
			"done", st.done, "failed", st.failed, "retried", st.retried,
			"duration", st.finished.Sub(st.started))
	}
	if o.active[st.extension] == st.token {
		delete(o.active, st.extension)
	}
	close(st.doneCh)

	o.finished = append(o.finished, st.token)
	for len(o.finished) > o.cfg.KeepFinished {
		delete(o.syncs, o.finished[0])
		o.finished = o.finished[1:]
	}
}
