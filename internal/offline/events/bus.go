// Package events is the in-process publish/subscribe bus between the
// offline core and its UI subscribers.
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// event, and the miss is counted on its Subscription.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event.
type Type string

const (
	// SyncStarted is published when a sync pass begins
	SyncStarted Type = "sync_started"
	// SyncCompleted is published after a successful sync pass (data: SyncSummary)
	SyncCompleted Type = "sync_completed"
	// SyncFailed is published when a sync pass fails (data: ErrorData)
	SyncFailed Type = "sync_failed"
	// StateChanged is published on every engine state transition (data: StateData)
	StateChanged Type = "state_changed"
	// RecordChanged is published when a record is written locally or by a
	// remote change (data: RecordData)
	RecordChanged Type = "record_changed"
	// ConflictResolved is published when a remote change met a local edit (data: ConflictData)
	ConflictResolved Type = "conflict_resolved"
	// JobFailed is published when a job gives up (data: JobData)
	JobFailed Type = "job_failed"
	// CacheEvicted is published after an eviction pass removed entries (data: CacheData)
	CacheEvicted Type = "cache_evicted"
)

// Event is one bus message.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"timestamp"`
	Data any       `json:"data,omitempty"`
}

// SyncSummary describes a finished sync pass.
type SyncSummary struct {
	Pushed    int           `json:"pushed"`
	Rejected  int           `json:"rejected"`
	Pulled    int           `json:"pulled"`
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// ErrorData carries a failure message.
type ErrorData struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline,omitempty"`
}

// StateData carries an engine state.
type StateData struct {
	State string `json:"state"`
}

// RecordData identifies a changed record.
type RecordData struct {
	Kind       string `json:"kind"`
	ID         string `json:"id"`
	DocumentID string `json:"document_id,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	Origin     string `json:"origin"`
}

// ConflictData describes a conflict outcome.
type ConflictData struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// JobData describes a failed job.
type JobData struct {
	JobID    string `json:"job_id"`
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

// CacheData describes an eviction pass.
type CacheData struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// DefaultBuffer is the subscription buffer used when none is given.
const DefaultBuffer = 64

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscription receives events until closed.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	filter  map[Type]bool
	dropped atomic.Int64
	once    sync.Once
}

// C returns the event channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the number of events missed because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.ch)
	})
}

// Subscribe registers a subscriber with the given buffer size (0 =
// DefaultBuffer). With types given, only those event types are delivered.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber without blocking. A nil
// bus is a no-op so components can run without one.
func (b *Bus) Publish(t Type, data any) {
	if b == nil {
		return
	}
	ev := Event{Type: t, Time: b.now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter[t] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are closed at once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.closeLocked()
	}
}
