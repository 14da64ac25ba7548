// Package engine runs sync runs for collection bindings: detect remote
// changes, load pending local changes, resolve, apply to both sides and
// commit the binding state in one transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/caldavsync/internal/activity"
	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/detector"
	"github.com/macjediwizard/caldavsync/internal/resolver"
)

// State is a step of the run state machine.
type State string

const (
	StateStarted            State = "started"
	StateDetectingChanges   State = "detecting_changes"
	StateResolvingConflicts State = "resolving_conflicts"
	StateApplying           State = "applying"
	StateCommitting         State = "committing"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// Store is the local storage the engine consumes.
type Store interface {
	GetBinding(id string) (*db.CollectionBinding, error)
	GetIntegration(id string) (*db.Integration, error)
	ListPendingChanges(bindingID string) ([]db.PendingChange, error)
	ListSyncedEvents(bindingID string) ([]db.SyncedEvent, error)
	FindLocalEventByUID(bindingID, uid string) (*db.LocalEvent, error)
	ApplyLocalOperation(op db.LocalOp) error
	CommitBindingState(state db.BindingState) error
	ReplaceMalformedItems(bindingID string, items []db.MalformedItem) error
	CreateRun(run *db.SyncRun) error
	FinishRun(run *db.SyncRun) error
	SetBindingHealth(id string, health db.Health, reason string) error
	SetIntegrationHealth(id string, health db.Health, reason string) error
}

// RemoteFactory returns the Remote for an integration's account, already
// wrapped by the account's circuit breaker.
type RemoteFactory interface {
	RemoteFor(ctx context.Context, integration *db.Integration) (caldav.Remote, error)
}

// Broadcaster receives run lifecycle events.
type Broadcaster interface {
	Publish(ev activity.Event)
}

// Config holds engine settings.
type Config struct {
	// RunTimeout is the deadline of one run. Zero means no deadline.
	RunTimeout time.Duration
	// WriteTimeout bounds a single remote write, which is detached from run
	// cancellation.
	WriteTimeout time.Duration
	Policy       resolver.Policy
	Detector     *detector.Detector
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RunTimeout:   10 * time.Minute,
		WriteTimeout: 30 * time.Second,
		Policy:       resolver.DefaultPolicy,
		Detector:     detector.New(nil),
	}
}

// RunResult is the outcome of one run.
type RunResult struct {
	RunID         string        `json:"run_id"`
	BindingID     string        `json:"binding_id"`
	IntegrationID string        `json:"integration_id"`
	Trigger       string        `json:"trigger"`
	Status        db.RunStatus  `json:"status"`
	State         State         `json:"state"`
	Reason        Reason        `json:"reason,omitempty"`
	Counts        db.RunCounts  `json:"counts"`
	Unchanged     bool          `json:"unchanged"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	// Kind is the remote failure kind that ended the run or stopped its
	// remote writes early. Empty when the run did everything it found.
	Kind       caldav.Kind   `json:"kind,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

// Failed reports whether the run ended in the Failed state.
func (r *RunResult) Failed() bool {
	return r.Status == db.RunStatusFailed
}

// Partial reports whether the run committed but left remote writes queued
// because the remote was unavailable.
func (r *RunResult) Partial() bool {
	return r.Status == db.RunStatusCompleted && r.Kind != ""
}

// Engine executes sync runs.
type Engine struct {
	store   Store
	remotes RemoteFactory
	events  Broadcaster
	cfg     Config
	now     func() time.Time
}

// New creates an Engine.
func New(store Store, remotes RemoteFactory, events Broadcaster, cfg Config) *Engine {
	if cfg.Detector == nil {
		cfg.Detector = detector.New(nil)
	}
	if cfg.Policy.TieBreak == resolver.SideNone {
		cfg.Policy = resolver.DefaultPolicy
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Engine{
		store:   store,
		remotes: remotes,
		events:  events,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one sync run for a binding. It never returns nil; failures are
// reported in the result. Callers must not run the same binding concurrently.
func (e *Engine) Run(ctx context.Context, bindingID, trigger string) *RunResult {
	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	r := &run{
		engine: e,
		ctx:    ctx,
		result: &RunResult{BindingID: bindingID, Trigger: trigger, StartedAt: e.now(), State: StateStarted},
	}
	r.execute()
	return r.result
}

// run carries the state of one execution.
type run struct {
	engine      *Engine
	ctx         context.Context
	result      *RunResult
	binding     *db.CollectionBinding
	integration *db.Integration
	record      *db.SyncRun
	remote      caldav.Remote
}

func (r *run) execute() {
	e := r.engine
	binding, err := e.store.GetBinding(r.result.BindingID)
	if err != nil {
		r.fail(storageError("load binding", err))
		return
	}
	r.binding = binding

	integration, err := e.store.GetIntegration(binding.IntegrationID)
	if err != nil {
		r.fail(storageError("load integration", err))
		return
	}
	r.integration = integration
	r.result.IntegrationID = integration.ID

	r.record = &db.SyncRun{BindingID: binding.ID, Trigger: r.result.Trigger, State: string(StateStarted), StartedAt: r.result.StartedAt}
	if err := e.store.CreateRun(r.record); err != nil {
		r.record = nil
		r.fail(storageError("create run", err))
		return
	}
	r.result.RunID = r.record.ID
	r.publish(activity.EventStarted, nil)

	remote, err := e.remotes.RemoteFor(r.ctx, integration)
	if err != nil {
		r.fail(err)
		return
	}
	r.remote = remote

	if err := r.transition(StateDetectingChanges); err != nil {
		r.fail(err)
		return
	}
	in, err := r.detect()
	if err != nil {
		r.fail(err)
		return
	}

	if err := r.transition(StateResolvingConflicts); err != nil {
		r.fail(err)
		return
	}
	plan, err := r.resolve(in)
	if err != nil {
		r.fail(err)
		return
	}

	if err := r.transition(StateApplying); err != nil {
		r.fail(err)
		return
	}
	out := r.apply(plan)
	if out.abort != nil {
		r.commitPartial(out)
		r.fail(out.abort)
		return
	}

	// Cancellation after Applying still keeps what was written.
	if err := r.transition(StateCommitting); err != nil {
		r.commitPartial(out)
		r.fail(err)
		return
	}
	if err := r.commit(in, out); err != nil {
		r.fail(err)
		return
	}
	r.complete(out)
}

// transition moves to the next state if the run was not cancelled.
func (r *run) transition(state State) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	r.result.State = state
	if r.record != nil {
		r.record.State = string(state)
	}
	r.publish(activity.EventProgress, nil)
	return nil
}

func (r *run) complete(out *applyOutcome) {
	e := r.engine
	r.result.State = StateCompleted
	r.result.Status = db.RunStatusCompleted
	if out.stop != nil {
		r.result.Kind = caldav.KindOf(out.stop)
		r.result.RetryAfter = caldav.RetryAfterOf(out.stop)
		r.result.Reason = reasonFor(out.stop)
		r.result.Err = out.stop
	}

	if r.binding.Health != db.HealthActive {
		if err := e.store.SetBindingHealth(r.binding.ID, db.HealthActive, ""); err != nil {
			log.Printf("[Engine] Failed to reset health of binding %s: %v", r.binding.ID, err)
		}
	}
	if r.integration.Health != db.HealthActive {
		if err := e.store.SetIntegrationHealth(r.integration.ID, db.HealthActive, ""); err != nil {
			log.Printf("[Engine] Failed to reset health of integration %s: %v", r.integration.ID, err)
		}
	}

	r.finishRecord("")
	r.publish(activity.EventCompleted, nil)

	c := r.result.Counts
	log.Printf("[Engine] Run %s for binding %s completed: local +%d ~%d -%d, remote +%d ~%d -%d, conflicts %d, requeued %d",
		r.result.RunID, r.binding.ID, c.LocalCreated, c.LocalUpdated, c.LocalDeleted,
		c.RemoteCreated, c.RemoteUpdated, c.RemoteDeleted, c.Conflicts, c.Requeued)
}

// fail ends the run in the Failed state and propagates actionable failures to
// binding and integration health.
func (r *run) fail(err error) {
	e := r.engine
	// A remote call cut short by the run deadline is a timeout, not an outage.
	if ctxErr := r.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) && caldav.KindOf(err) == caldav.KindTransient {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	reason := reasonFor(err)
	r.result.Status = db.RunStatusFailed
	r.result.Reason = reason
	r.result.Err = err
	r.result.Kind = kindFor(err)
	r.result.RetryAfter = caldav.RetryAfterOf(err)

	switch reason {
	case ReasonAuthExpired:
		if r.integration != nil {
			if herr := e.store.SetIntegrationHealth(r.integration.ID, db.HealthSuspended, string(reason)); herr != nil {
				log.Printf("[Engine] Failed to suspend integration %s: %v", r.integration.ID, herr)
			}
		}
	case ReasonCollectionUnavailable:
		if r.binding != nil {
			if herr := e.store.SetBindingHealth(r.binding.ID, db.HealthDegraded, string(reason)); herr != nil {
				log.Printf("[Engine] Failed to degrade binding %s: %v", r.binding.ID, herr)
			}
		}
		if r.integration != nil && r.integration.Health == db.HealthActive {
			if herr := e.store.SetIntegrationHealth(r.integration.ID, db.HealthDegraded, string(reason)); herr != nil {
				log.Printf("[Engine] Failed to degrade integration %s: %v", r.integration.ID, herr)
			}
		}
	}

	failedIn := r.result.State
	r.finishRecord(err.Error())
	r.result.State = StateFailed
	r.publish(activity.EventFailed, &activity.ErrorInfo{
		Kind:    string(r.result.Kind),
		Reason:  string(reason),
		Message: err.Error(),
	})
	log.Printf("[Engine] Run %s for binding %s failed in %s: %s: %v", r.result.RunID, r.result.BindingID, failedIn, reason, err)
}

func (r *run) finishRecord(message string) {
	r.result.EndedAt = r.engine.now()
	if r.record == nil {
		return
	}
	r.record.Status = r.result.Status
	r.record.Reason = string(r.result.Reason)
	r.record.Message = message
	r.record.Counts = r.result.Counts
	ended := r.result.EndedAt
	r.record.EndedAt = &ended
	if err := r.engine.store.FinishRun(r.record); err != nil {
		log.Printf("[Engine] Failed to finalize run %s: %v", r.record.ID, err)
	}
}

func (r *run) publish(t activity.EventType, info *activity.ErrorInfo) {
	if r.engine.events == nil {
		return
	}
	ev := activity.Event{
		RunID:     r.result.RunID,
		BindingID: r.result.BindingID,
		Type:      t,
		State:     string(r.result.State),
		Trigger:   r.result.Trigger,
		Counts:    r.result.Counts,
		Error:     info,
		At:        r.engine.now(),
	}
	if r.integration != nil {
		ev.IntegrationID = r.integration.ID
	}
	r.engine.events.Publish(ev)
}

func (r *run) publishConflict(eventID string) {
	if r.engine.events == nil {
		return
	}
	r.engine.events.Publish(activity.Event{
		RunID:         r.result.RunID,
		BindingID:     r.result.BindingID,
		IntegrationID: r.integration.ID,
		Type:          activity.EventConflict,
		State:         string(r.result.State),
		Counts:        r.result.Counts,
		EventID:       eventID,
		At:            r.engine.now(),
	})
}

// ErrStorage wraps local storage failures.
var ErrStorage = errors.New("local storage failure")

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
