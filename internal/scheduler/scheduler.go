// Package scheduler decides when sync runs happen. It guarantees at most one
// run per binding at a time, coalescing triggers that arrive while a run is in
// flight into a single follow-up run.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/engine"
)

// Trigger sources recorded on each run.
const (
	TriggerNotification = "notification"
	TriggerPoll         = "poll"
	TriggerDemand       = "on_demand"
	TriggerRetry        = "retry"
)

// ErrStopped is returned for triggers after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Runner executes one sync run.
type Runner interface {
	Run(ctx context.Context, bindingID, trigger string) *engine.RunResult
}

// Store is the storage the scheduler reads health from and cleans up.
type Store interface {
	GetBinding(id string) (*db.CollectionBinding, error)
	GetIntegration(id string) (*db.Integration, error)
	ListActiveBindings() ([]*db.CollectionBinding, error)
	FailInterruptedRuns() (int64, error)
	PurgeTombstones(cutoff time.Time) (int64, error)
	PurgeRuns(cutoff time.Time) (int64, error)
}

// RetryPolicy controls re-runs after a run ends with a given failure kind.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Exponential bool
	MaxBackoff  time.Duration
}

// Delay returns the wait before retry number attempt (1-based). A server
// hint longer than the computed backoff wins.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	d := p.Backoff
	if p.Exponential && attempt > 1 {
		d = p.Backoff << (attempt - 1)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if hint > d {
		d = hint
	}
	return d
}

// DefaultRetryPolicies is the retry table. Kinds without an entry are never
// retried automatically.
func DefaultRetryPolicies() map[caldav.Kind]RetryPolicy {
	return map[caldav.Kind]RetryPolicy{
		caldav.KindTransient:        {MaxAttempts: 3, Backoff: 30 * time.Second, Exponential: true, MaxBackoff: 10 * time.Minute},
		caldav.KindRateLimited:      {MaxAttempts: 5, Backoff: time.Minute, Exponential: true, MaxBackoff: 30 * time.Minute},
		caldav.KindTokenInvalidated: {MaxAttempts: 1},
	}
}

// Config holds scheduler settings.
type Config struct {
	Workers         int
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	// DegradedFactor multiplies the polling interval of degraded bindings.
	DegradedFactor     int
	TombstoneRetention time.Duration
	RunRetention       time.Duration
	// Housekeeping is the cron schedule of the purge jobs.
	Housekeeping string
	// Reconcile is the cron schedule that picks up bindings enabled, added
	// or reconnected since the last scan.
	Reconcile string
	Retry        map[caldav.Kind]RetryPolicy
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            8,
		DefaultInterval:    5 * time.Minute,
		MinInterval:        30 * time.Second,
		MaxInterval:        time.Hour,
		DegradedFactor:     4,
		TombstoneRetention: 30 * 24 * time.Hour,
		RunRetention:       30 * 24 * time.Hour,
		Housekeeping:       "@daily",
		Reconcile:          "@every 1m",
		Retry:              DefaultRetryPolicies(),
	}
}

// Future resolves with the result of the run that served a trigger.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result *engine.RunResult
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res *engine.RunResult, err error) {
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the run finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*engine.RunResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// job is the scheduling state of one binding. Guarded by Scheduler.mu.
type job struct {
	bindingID string
	polling   bool
	removed   bool

	running      bool
	cancel       context.CancelFunc
	again        bool
	againTrigger string
	// next waits for the follow-up run.
	next []*Future

	timer *time.Timer
	// timerGen identifies the armed timer.
	timerGen uint64
	nextRun  time.Time
	attempts int
}

// JobStatus is a snapshot of a binding's scheduling state.
type JobStatus struct {
	BindingID string    `json:"binding_id"`
	Running   bool      `json:"running"`
	Queued    bool      `json:"queued"`
	Polling   bool      `json:"polling"`
	NextRun   time.Time `json:"next_run,omitempty"`
	Attempts  int       `json:"retry_attempts"`
}

// Scheduler manages sync triggers for all bindings.
type Scheduler struct {
	store  Store
	runner Runner
	cfg    Config
	pool   *semaphore.Weighted
	cron   *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	now func() time.Time
}

// New creates a scheduler. Triggers work before Start; Start adds polling for
// all enabled bindings and housekeeping.
func New(store Store, runner Runner, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.MinInterval)
	}
	if cfg.DegradedFactor < 1 {
		cfg.DegradedFactor = def.DegradedFactor
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = def.TombstoneRetention
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = def.RunRetention
	}
	if cfg.Housekeeping == "" {
		cfg.Housekeeping = def.Housekeeping
	}
	if cfg.Reconcile == "" {
		cfg.Reconcile = def.Reconcile
	}
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		runner: runner,
		cfg:    cfg,
		pool:   semaphore.NewWeighted(int64(cfg.Workers)),
		cron:   cron.New(),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start finalizes runs interrupted by a previous process, starts polling for
// every enabled binding and schedules housekeeping.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if n, err := s.store.FailInterruptedRuns(); err != nil {
		return err
	} else if n > 0 {
		log.Printf("[Scheduler] Marked %d interrupted runs as failed", n)
	}

	bindings, err := s.store.ListActiveBindings()
	if err != nil {
		return err
	}
	for _, b := range bindings {
		s.AddBinding(b.ID)
	}

	if _, err := s.cron.AddFunc(s.cfg.Housekeeping, s.housekeeping); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.Reconcile, s.Reconcile); err != nil {
		return err
	}
	s.cron.Start()

	log.Printf("[Scheduler] Started with %d bindings and %d workers", len(bindings), s.cfg.Workers)
	return nil
}

// Stop cancels in-flight runs at their next safe point and waits for them.
// Remote writes already in progress finish first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	for _, j := range s.jobs {
		stopTimer(j)
	}
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// AddBinding starts polling a binding, running it right away.
func (s *Scheduler) AddBinding(bindingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	j := s.job(bindingID)
	j.polling = true
	j.removed = false
	j.attempts = 0
	if !j.running {
		s.schedule(j, 0, TriggerPoll)
	}
}

// RemoveBinding stops polling a binding and cancels its in-flight run.
func (s *Scheduler) RemoveBinding(bindingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[bindingID]
	if !ok {
		return
	}
	stopTimer(j)
	j.polling = false
	j.again = false
	if !j.running {
		delete(s.jobs, bindingID)
		return
	}
	j.removed = true
	j.cancel()
	log.Printf("[Scheduler] Removed binding %s", bindingID)
}

// Reconcile compares the polled bindings with the active bindings in the
// store. Bindings that became pollable start polling, bindings that are no
// longer active stop.
func (s *Scheduler) Reconcile() {
	bindings, err := s.store.ListActiveBindings()
	if err != nil {
		log.Printf("[Scheduler] Failed to list active bindings: %v", err)
		return
	}
	active := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		active[b.ID] = true
	}

	var idle, gone []string
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	for id, j := range s.jobs {
		if j.polling && !active[id] {
			gone = append(gone, id)
		}
	}
	for id := range active {
		j, ok := s.jobs[id]
		if !ok || !j.polling || (!j.running && j.timer == nil) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.RemoveBinding(id)
	}
	added := 0
	for _, id := range idle {
		if _, ok := s.pollInterval(id); ok {
			s.AddBinding(id)
			added++
		}
	}
	if added > 0 || len(gone) > 0 {
		log.Printf("[Scheduler] Reconciled bindings: %d started, %d stopped", added, len(gone))
	}
}

// OnExternalChangeNotification runs a binding after the remote reported a
// change.
func (s *Scheduler) OnExternalChangeNotification(bindingID string) *Future {
	return s.trigger(bindingID, TriggerNotification)
}

// OnPollingTick runs a binding for a polling interval. Disabled bindings and
// suspended integrations are skipped.
func (s *Scheduler) OnPollingTick(bindingID string) *Future {
	if reason := s.pollBlocked(bindingID); reason != "" {
		log.Printf("[Scheduler] Skipping poll of binding %s: %s", bindingID, reason)
		f := newFuture()
		f.resolve(nil, nil)
		return f
	}
	return s.trigger(bindingID, TriggerPoll)
}

// OnDemandRequest runs a binding for an explicit user request. The returned
// Future resolves with the result of the run that covers the request.
func (s *Scheduler) OnDemandRequest(bindingID string) *Future {
	return s.trigger(bindingID, TriggerDemand)
}

// Cancel cancels the in-flight run of a binding and drops its queued
// follow-up. It reports whether a run was in flight.
func (s *Scheduler) Cancel(bindingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[bindingID]
	if !ok || !j.running {
		return false
	}
	j.again = false
	j.cancel()
	log.Printf("[Scheduler] Cancelled run of binding %s", bindingID)
	return true
}

// IsRunning reports whether a binding has a run in flight.
func (s *Scheduler) IsRunning(bindingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[bindingID]
	return ok && j.running
}

// Jobs returns the scheduling state of every known binding.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			BindingID: j.bindingID,
			Running:   j.running,
			Queued:    j.again,
			Polling:   j.polling,
			NextRun:   j.nextRun,
			Attempts:  j.attempts,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].BindingID < out[b].BindingID })
	return out
}

// job returns the state of a binding, creating it. The caller must hold mu.
func (s *Scheduler) job(bindingID string) *job {
	j, ok := s.jobs[bindingID]
	if !ok {
		j = &job{bindingID: bindingID}
		s.jobs[bindingID] = j
	}
	return j
}

// trigger starts a run or coalesces into the follow-up of the running one.
func (s *Scheduler) trigger(bindingID, trigger string) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		f := newFuture()
		f.resolve(nil, ErrStopped)
		return f
	}
	return s.triggerLocked(s.job(bindingID), trigger)
}

// triggerLocked is trigger for a known job. The caller must hold mu.
func (s *Scheduler) triggerLocked(j *job, trigger string) *Future {
	f := newFuture()
	bindingID := j.bindingID
	if j.running {
		// The in-flight run may have read state from before this trigger.
		if !j.again {
			log.Printf("[Scheduler] Binding %s is already syncing, queued a %s run", bindingID, trigger)
		}
		j.again = true
		j.againTrigger = trigger
		j.next = append(j.next, f)
		return f
	}
	s.start(j, trigger, []*Future{f})
	return f
}

// start launches a run. The caller must hold mu.
func (s *Scheduler) start(j *job, trigger string, waiters []*Future) {
	stopTimer(j)
	ctx, cancel := context.WithCancel(s.ctx)
	j.running = true
	j.cancel = cancel

	s.wg.Add(1)
	go s.execute(ctx, cancel, j, trigger, waiters)
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, j *job, trigger string, waiters []*Future) {
	defer s.wg.Done()
	defer cancel()

	var res *engine.RunResult
	if err := s.pool.Acquire(ctx, 1); err != nil {
		res = &engine.RunResult{
			BindingID: j.bindingID,
			Trigger:   trigger,
			Status:    db.RunStatusFailed,
			State:     engine.StateFailed,
			Reason:    engine.ReasonCancelled,
			Err:       err,
		}
	} else {
		res = s.runner.Run(ctx, j.bindingID, trigger)
		s.pool.Release(1)
	}
	s.finish(j, res, waiters)
}

// finish resolves the waiters of a run and starts the follow-up run or
// schedules the next retry or poll.
func (s *Scheduler) finish(j *job, res *engine.RunResult, waiters []*Future) {
	interval, polling := s.pollInterval(j.bindingID)

	s.mu.Lock()
	j.cancel = nil
	switch {
	case j.again && !s.stopped:
		j.again = false
		next := j.next
		j.next = nil
		s.start(j, j.againTrigger, next)
	default:
		j.running = false
		j.again = false
		waiters = append(waiters, j.next...)
		j.next = nil
		if j.removed {
			delete(s.jobs, j.bindingID)
		} else if !s.stopped {
			s.scheduleAfter(j, res, interval, polling)
		}
	}
	s.mu.Unlock()

	for _, f := range waiters {
		f.resolve(res, nil)
	}
}

// scheduleAfter arms the retry or polling timer after a run. The caller must
// hold mu.
func (s *Scheduler) scheduleAfter(j *job, res *engine.RunResult, interval time.Duration, polling bool) {
	if res.Kind == "" {
		j.attempts = 0
	} else if p, ok := s.cfg.Retry[res.Kind]; ok && j.attempts < p.MaxAttempts {
		j.attempts++
		d := p.Delay(j.attempts, res.RetryAfter)
		if !polling || !j.polling || d < interval {
			log.Printf("[Scheduler] Retrying binding %s in %v (%s, attempt %d of %d)", j.bindingID, d, res.Kind, j.attempts, p.MaxAttempts)
			s.schedule(j, d, TriggerRetry)
			return
		}
	}

	if polling && j.polling {
		s.schedule(j, interval, TriggerPoll)
		return
	}
	stopTimer(j)
}

// schedule arms the single timer of a job. The caller must hold mu.
func (s *Scheduler) schedule(j *job, d time.Duration, trigger string) {
	stopTimer(j)
	j.nextRun = s.now().Add(d)
	j.timerGen++
	gen := j.timerGen
	j.timer = time.AfterFunc(d, func() { s.fire(j, gen, trigger) })
}

// fire runs a job for its timer. A timer that was stopped, replaced or
// belongs to a removed job does nothing.
func (s *Scheduler) fire(j *job, gen uint64, trigger string) {
	s.mu.Lock()
	if !s.scheduled(j) || j.timer == nil || j.timerGen != gen {
		s.mu.Unlock()
		return
	}
	j.timer = nil
	j.nextRun = time.Time{}
	if trigger != TriggerPoll {
		s.triggerLocked(j, trigger)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if reason := s.pollBlocked(j.bindingID); reason != "" {
		log.Printf("[Scheduler] Skipping poll of binding %s: %s", j.bindingID, reason)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Skip when another timer was armed meanwhile.
	if s.scheduled(j) && j.timer == nil {
		s.triggerLocked(j, TriggerPoll)
	}
}

// scheduled reports whether j is still the live job of its binding. The
// caller must hold mu.
func (s *Scheduler) scheduled(j *job) bool {
	return !s.stopped && !j.removed && s.jobs[j.bindingID] == j
}

func stopTimer(j *job) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.nextRun = time.Time{}
}

// pollInterval returns the polling interval of a binding from its current
// health. ok is false when the binding must not be polled.
func (s *Scheduler) pollInterval(bindingID string) (time.Duration, bool) {
	b, err := s.store.GetBinding(bindingID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("[Scheduler] Failed to load binding %s: %v", bindingID, err)
		}
		return 0, false
	}
	in, err := s.store.GetIntegration(b.IntegrationID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("[Scheduler] Failed to load integration %s: %v", b.IntegrationID, err)
		}
		return 0, false
	}
	return s.interval(b, in)
}

func (s *Scheduler) interval(b *db.CollectionBinding, in *db.Integration) (time.Duration, bool) {
	if !b.Enabled || in.Health == db.HealthSuspended || b.Health == db.HealthSuspended {
		return 0, false
	}
	d := time.Duration(b.SyncInterval) * time.Second
	if d <= 0 {
		d = s.cfg.DefaultInterval
	}
	d = min(max(d, s.cfg.MinInterval), s.cfg.MaxInterval)
	if b.Health == db.HealthDegraded || in.Health == db.HealthDegraded {
		d = min(d*time.Duration(s.cfg.DegradedFactor), s.cfg.MaxInterval)
	}
	return d, true
}

// pollBlocked returns why a binding must not be polled now, or "".
func (s *Scheduler) pollBlocked(bindingID string) string {
	b, err := s.store.GetBinding(bindingID)
	if err != nil {
		return "binding unavailable"
	}
	if !b.Enabled {
		return "binding disabled"
	}
	in, err := s.store.GetIntegration(b.IntegrationID)
	if err != nil {
		return "integration unavailable"
	}
	if in.Health == db.HealthSuspended {
		return "integration suspended"
	}
	return ""
}

// housekeeping purges old tombstones and run records.
func (s *Scheduler) housekeeping() {
	now := s.now()
	if n, err := s.store.PurgeTombstones(now.Add(-s.cfg.TombstoneRetention)); err != nil {
		log.Printf("[Scheduler] Failed to purge tombstones: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] Purged %d tombstones", n)
	}
	if n, err := s.store.PurgeRuns(now.Add(-s.cfg.RunRetention)); err != nil {
		log.Printf("[Scheduler] Failed to purge sync runs: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] Purged %d old sync runs", n)
	}
}
