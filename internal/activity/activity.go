package activity

import (
	"context"
	"sync"
	"time"

	"github.com/macjediwizard/caldavsync/internal/db"
)

// RunActivity represents the current state of a sync run.
type RunActivity struct {
	RunID       string       `json:"run_id"`
	BindingID   string       `json:"binding_id"`
	Trigger     string       `json:"trigger,omitempty"`
	Status      string       `json:"status"` // "running", "completed", "failed"
	State       string       `json:"state"`
	Counts      db.RunCounts `json:"counts"`
	Conflicts   []string     `json:"conflicts,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Duration    string       `json:"duration,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
}

// Tracker keeps the active and recently finished runs for the API. It is fed
// from a global Broadcaster subscription.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*RunActivity // bindingID -> activity
	recent    []*RunActivity          // Recently finished runs
	maxRecent int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*RunActivity),
		recent:    make([]*RunActivity, 0),
		maxRecent: 20, // Keep last 20 finished runs
	}
}

// Run consumes events from b until ctx is done.
func (t *Tracker) Run(ctx context.Context, b *Broadcaster) {
	events, unsubscribe := b.Subscribe("")
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.Apply(ev)
		}
	}
}

// Apply folds one lifecycle event into the tracker.
func (t *Tracker) Apply(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case EventStarted:
		t.active[ev.BindingID] = &RunActivity{
			RunID:     ev.RunID,
			BindingID: ev.BindingID,
			Trigger:   ev.Trigger,
			Status:    "running",
			State:     ev.State,
			StartedAt: ev.At,
		}

	case EventProgress, EventConflict:
		a, ok := t.active[ev.BindingID]
		if !ok || a.RunID != ev.RunID {
			return
		}
		a.State = ev.State
		a.Counts = ev.Counts
		if ev.Type == EventConflict && ev.EventID != "" {
			a.Conflicts = append(a.Conflicts, ev.EventID)
		}

	case EventCompleted, EventFailed:
		a, ok := t.active[ev.BindingID]
		if !ok || a.RunID != ev.RunID {
			// Started event was dropped; record the outcome anyway.
			a = &RunActivity{RunID: ev.RunID, BindingID: ev.BindingID, Trigger: ev.Trigger, StartedAt: ev.At}
		}
		at := ev.At
		a.CompletedAt = &at
		a.Duration = at.Sub(a.StartedAt).Round(time.Millisecond).String()
		a.State = ev.State
		a.Counts = ev.Counts
		a.Error = ev.Error
		if ev.Type == EventCompleted {
			a.Status = "completed"
		} else {
			a.Status = "failed"
		}

		t.recent = append([]*RunActivity{a}, t.recent...)
		if len(t.recent) > t.maxRecent {
			t.recent = t.recent[:t.maxRecent]
		}
		delete(t.active, ev.BindingID)
	}
}

// GetActive returns all currently active runs.
func (t *Tracker) GetActive() []*RunActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RunActivity, 0, len(t.active))
	for _, a := range t.active {
		c := *a
		c.Duration = time.Since(a.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	return result
}

// GetRecent returns recently finished runs, newest first.
func (t *Tracker) GetRecent() []*RunActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RunActivity, len(t.recent))
	for i, a := range t.recent {
		c := *a
		result[i] = &c
	}
	return result
}

// GetAll returns both active and recent runs.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsSyncing returns true if the given binding has a run in flight.
func (t *Tracker) IsSyncing(bindingID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[bindingID]
	return exists
}
