package activity

import (
	"log"
	"sync"
	"time"

	"github.com/macjediwizard/caldavsync/internal/db"
)

// EventType is the lifecycle stage an Event reports.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventConflict  EventType = "conflict"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// ErrorInfo describes why a run failed.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Event is published on every state transition of a sync run.
type Event struct {
	RunID         string       `json:"run_id"`
	BindingID     string       `json:"binding_id"`
	IntegrationID string       `json:"integration_id"`
	Type          EventType    `json:"type"`
	State         string       `json:"state"`
	Trigger       string       `json:"trigger,omitempty"`
	Counts        db.RunCounts `json:"counts"`
	Error         *ErrorInfo   `json:"error,omitempty"`
	EventID       string       `json:"event_id,omitempty"` // set on conflict events
	At            time.Time    `json:"at"`
}

const subscriberBuffer = 64

type subscriber struct {
	bindingID string
	ch        chan Event
}

// Broadcaster fans lifecycle events out to subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped uint64
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Publish delivers ev to every global subscriber and to subscribers of its
// binding. It never blocks.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	dropped := 0
	for s := range b.subs {
		if s.bindingID != "" && s.bindingID != ev.BindingID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		b.mu.Lock()
		b.dropped += uint64(dropped)
		b.mu.Unlock()
		log.Printf("[Broadcaster] Dropped %s event for binding %s on %d slow subscribers", ev.Type, ev.BindingID, dropped)
	}
}

// Subscribe registers a subscriber for one binding, or for every binding when
// bindingID is empty. The returned function unsubscribes and closes the
// channel.
func (b *Broadcaster) Subscribe(bindingID string) (<-chan Event, func()) {
	s := &subscriber{bindingID: bindingID, ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
