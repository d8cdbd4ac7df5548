// Package events fans out job, sync and extension state changes to
// subscribers such as the websocket stream and the CLI progress printer.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	JobState        Kind = "job_state"
	SyncStarted     Kind = "sync_started"
	SyncCompleted   Kind = "sync_completed"
	SyncCancelled   Kind = "sync_cancelled"
	ExtensionState  Kind = "extension_state"
	Progress        Kind = "progress"
	Message         Kind = "message"
	DatabaseChanged Kind = "database_changed"
	StorageHalted   Kind = "storage_halted"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	Extension  string    `json:"extension,omitempty"`
	Sync       string    `json:"sync,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	JobKind    string    `json:"job_kind,omitempty"`
	State      string    `json:"state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Item       string    `json:"item,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Current    int64     `json:"current,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Spinner    bool      `json:"spinner,omitempty"`
	Level      string    `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Bus delivers every published event to every subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	now    func() time.Time
	closed bool
}

// Subscription receives events on C until Close.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish implements Publisher.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	})
}
