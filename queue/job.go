package queue

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the type of work a job performs.
type Kind string

const (
	Discover      Kind = "discover"
	FetchMetadata Kind = "fetch_metadata"
	FetchAsset    Kind = "fetch_asset"
)

// Class is a priority class. High is always drained before Low.
type Class int

const (
	High Class = iota
	Low
	numClasses
)

func (c Class) String() string {
	if c == High {
		return "high"
	}
	return "low"
}

// Class returns the priority class of jobs of this kind. Discover runs at
// low priority so in-flight collections finish before new ones start.
func (k Kind) Class() Class {
	if k == Discover {
		return Low
	}
	return High
}

// State is the lifecycle state of a job.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Done      State = "done"
	Failed    State = "failed"
	Retrying  State = "retrying"
	Cancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// Job is one unit of orchestrated work. Fields beyond Kind and Extension
// are set according to Kind.
type Job struct {
	ID        string
	Kind      Kind
	Extension string
	Sync      string
	State     State
	Attempt   int
	Created   time.Time
	Deadline  time.Time

	// FetchMetadata and FetchAsset.
	CollectionID       int64
	CollectionExternal string

	// FetchAsset.
	ItemID  int64
	ItemRef string
	Slot    string
	Locator string
	Digest  string
	Size    int64
	Refetch bool
}

// NewJob returns a pending job with a fresh id.
func NewJob(kind Kind, extension, sync string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Extension: extension,
		Sync:      sync,
		State:     Pending,
		Created:   time.Now(),
	}
}
