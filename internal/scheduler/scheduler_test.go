package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/engine"
)

type fakeRunner struct {
	mu        sync.Mutex
	triggers  []string
	active    map[string]int
	maxActive map[string]int
	total     int
	maxTotal  int
	// gate blocks every run until it receives or the run is cancelled.
	gate   chan struct{}
	result func(n int, res *engine.RunResult) *engine.RunResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{active: make(map[string]int), maxActive: make(map[string]int)}
}

func (r *fakeRunner) Run(ctx context.Context, bindingID, trigger string) *engine.RunResult {
	r.mu.Lock()
	r.triggers = append(r.triggers, trigger)
	n := len(r.triggers)
	r.active[bindingID]++
	r.maxActive[bindingID] = max(r.maxActive[bindingID], r.active[bindingID])
	r.total++
	r.maxTotal = max(r.maxTotal, r.total)
	gate := r.gate
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active[bindingID]--
		r.total--
		r.mu.Unlock()
	}()

	res := &engine.RunResult{
		RunID:     fmt.Sprintf("run-%d", n),
		BindingID: bindingID,
		Trigger:   trigger,
		Status:    db.RunStatusCompleted,
		State:     engine.StateCompleted,
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			res.Status = db.RunStatusFailed
			res.State = engine.StateFailed
			res.Reason = engine.ReasonCancelled
			return res
		}
	}
	if r.result != nil {
		res = r.result(n, res)
	}
	return res
}

func (r *fakeRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.triggers...)
}

func (r *fakeRunner) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

type fakeStore struct {
	mu               sync.Mutex
	bindings         map[string]*db.CollectionBinding
	integrations     map[string]*db.Integration
	interrupted      int
	tombstoneCutoff  time.Time
	runCutoff        time.Time
	interruptedCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bindings:     make(map[string]*db.CollectionBinding),
		integrations: map[string]*db.Integration{"i1": {ID: "i1", Health: db.HealthActive}},
	}
}

func (s *fakeStore) addBinding(id string, interval int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[id] = &db.CollectionBinding{ID: id, IntegrationID: "i1", Enabled: true, SyncInterval: interval, Health: db.HealthActive}
}

func (s *fakeStore) setIntegrationHealth(h db.Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations["i1"].Health = h
}

func (s *fakeStore) setEnabled(id string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[id].Enabled = enabled
}

func (s *fakeStore) GetBinding(id string) (*db.CollectionBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *fakeStore) GetIntegration(id string) (*db.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *fakeStore) ListActiveBindings() ([]*db.CollectionBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.CollectionBinding
	for _, b := range s.bindings {
		if b.Enabled {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) FailInterruptedRuns() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptedCalls++
	return int64(s.interrupted), nil
}

func (s *fakeStore) PurgeTombstones(cutoff time.Time) (int64, error) {
	s.tombstoneCutoff = cutoff
	return 2, nil
}

func (s *fakeStore) PurgeRuns(cutoff time.Time) (int64, error) {
	s.runCutoff = cutoff
	return 0, nil
}

func newTestScheduler(t *testing.T, store *fakeStore, runner *fakeRunner, cfg Config) *Scheduler {
	t.Helper()
	s := New(store, runner, cfg)
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func wait(t *testing.T, f *Future) *engine.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

func TestOnDemandRequest(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, newFakeStore(), runner, Config{})

	res := wait(t, s.OnDemandRequest("b1"))

	if res.Trigger != TriggerDemand {
		t.Errorf("expected trigger %s, got %s", TriggerDemand, res.Trigger)
	}
	if s.IsRunning("b1") {
		t.Error("expected binding to be idle after the run")
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Polling || !jobs[0].NextRun.IsZero() {
		t.Errorf("expected an unscheduled on-demand job, got %+v", jobs)
	}
}

func TestTriggersCoalesceWhileRunning(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, newFakeStore(), runner, Config{})

	first := s.OnDemandRequest("b1")
	waitFor(t, "first run", func() bool { return len(runner.calls()) == 1 })

	second := s.OnExternalChangeNotification("b1")
	third := s.OnDemandRequest("b1")
	if jobs := s.Jobs(); !jobs[0].Queued {
		t.Error("expected a queued follow-up run")
	}

	runner.gate <- struct{}{}
	if res := wait(t, first); res.RunID != "run-1" {
		t.Errorf("expected first trigger served by run-1, got %s", res.RunID)
	}

	waitFor(t, "follow-up run", func() bool { return len(runner.calls()) == 2 })
	runner.gate <- struct{}{}

	for _, f := range []*Future{second, third} {
		res := wait(t, f)
		if res.RunID != "run-2" {
			t.Errorf("expected coalesced triggers served by run-2, got %s", res.RunID)
		}
		if res.Trigger != TriggerDemand {
			t.Errorf("expected the latest trigger to win, got %s", res.Trigger)
		}
	}

	if got := len(runner.calls()); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
	if runner.maxActive["b1"] != 1 {
		t.Errorf("expected at most one concurrent run, got %d", runner.maxActive["b1"])
	}
}

func TestConcurrentTriggersNeverOverlap(t *testing.T) {
	runner := newFakeRunner()
	s := newTestScheduler(t, newFakeStore(), runner, Config{})

	var wg sync.WaitGroup
	futures := make([]*Future, 50)
	for i := range futures {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = s.OnDemandRequest("b1")
		}(i)
	}
	wg.Wait()
	for _, f := range futures {
		wait(t, f)
	}

	if runner.maxActive["b1"] != 1 {
		t.Errorf("expected at most one concurrent run, got %d", runner.maxActive["b1"])
	}
	if got := len(runner.calls()); got > 50 || got < 1 {
		t.Errorf("unexpected number of runs %d", got)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, newFakeStore(), runner, Config{Workers: 2})

	var futures []*Future
	for i := 0; i < 4; i++ {
		futures = append(futures, s.OnDemandRequest(fmt.Sprintf("b%d", i)))
	}
	waitFor(t, "two runs", func() bool { return runner.running() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.calls()); got != 2 {
		t.Fatalf("expected 2 runs while the pool is full, got %d", got)
	}

	close(runner.gate)
	for _, f := range futures {
		wait(t, f)
	}
	if runner.maxTotal != 2 {
		t.Errorf("expected at most 2 concurrent runs, got %d", runner.maxTotal)
	}
}

func TestCancel(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, newFakeStore(), runner, Config{})

	if s.Cancel("b1") {
		t.Error("expected Cancel on an idle binding to report false")
	}

	first := s.OnDemandRequest("b1")
	waitFor(t, "run", func() bool { return runner.running() == 1 })
	queued := s.OnDemandRequest("b1")

	if !s.Cancel("b1") {
		t.Fatal("expected Cancel to report an in-flight run")
	}

	res := wait(t, first)
	if res.Reason != engine.ReasonCancelled {
		t.Errorf("expected cancelled run, got %s", res.Reason)
	}
	if res2 := wait(t, queued); res2 != res {
		t.Error("expected the dropped follow-up to resolve with the cancelled run")
	}
	if got := len(runner.calls()); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
}

func TestFutureWaitHonoursContext(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, newFakeStore(), runner, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.OnDemandRequest("b1").Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestInterval(t *testing.T) {
	s := New(nil, nil, Config{
		DefaultInterval: 5 * time.Minute,
		MinInterval:     30 * time.Second,
		MaxInterval:     time.Hour,
		DegradedFactor:  4,
	})

	tests := []struct {
		name        string
		interval    int
		enabled     bool
		bHealth     db.Health
		inHealth    db.Health
		want        time.Duration
		wantPolling bool
	}{
		{"active", 300, true, db.HealthActive, db.HealthActive, 5 * time.Minute, true},
		{"default interval", 0, true, db.HealthActive, db.HealthActive, 5 * time.Minute, true},
		{"clamped to minimum", 10, true, db.HealthActive, db.HealthActive, 30 * time.Second, true},
		{"clamped to maximum", 7200, true, db.HealthActive, db.HealthActive, time.Hour, true},
		{"degraded binding backs off", 300, true, db.HealthDegraded, db.HealthActive, 20 * time.Minute, true},
		{"degraded integration capped", 1200, true, db.HealthActive, db.HealthDegraded, time.Hour, true},
		{"suspended integration", 300, true, db.HealthActive, db.HealthSuspended, 0, false},
		{"disabled binding", 300, false, db.HealthActive, db.HealthActive, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &db.CollectionBinding{SyncInterval: tt.interval, Enabled: tt.enabled, Health: tt.bHealth}
			in := &db.Integration{Health: tt.inHealth}
			got, polling := s.interval(b, in)
			if got != tt.want || polling != tt.wantPolling {
				t.Errorf("interval() = %v, %v; want %v, %v", got, polling, tt.want, tt.wantPolling)
			}
		})
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{"fixed", RetryPolicy{Backoff: time.Second}, 3, 0, time.Second},
		{"first exponential", RetryPolicy{Backoff: 30 * time.Second, Exponential: true}, 1, 0, 30 * time.Second},
		{"third exponential", RetryPolicy{Backoff: 30 * time.Second, Exponential: true}, 3, 0, 2 * time.Minute},
		{"capped", RetryPolicy{Backoff: time.Minute, Exponential: true, MaxBackoff: 3 * time.Minute}, 5, 0, 3 * time.Minute},
		{"hint wins", RetryPolicy{Backoff: time.Second}, 1, 45 * time.Second, 45 * time.Second},
		{"hint beyond cap", RetryPolicy{Backoff: time.Second, MaxBackoff: 10 * time.Second}, 1, time.Minute, time.Minute},
		{"immediate", RetryPolicy{MaxAttempts: 1}, 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt, tt.hint); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultRetryPolicies(t *testing.T) {
	p := DefaultRetryPolicies()
	for _, kind := range []caldav.Kind{caldav.KindAuthExpired, caldav.KindFatal, caldav.KindConflict} {
		if _, ok := p[kind]; ok {
			t.Errorf("expected no automatic retry for %s", kind)
		}
	}
	if p[caldav.KindTransient].MaxAttempts != 3 {
		t.Errorf("expected 3 transient attempts, got %d", p[caldav.KindTransient].MaxAttempts)
	}
	if p[caldav.KindTokenInvalidated].Backoff != 0 {
		t.Error("expected token invalidation to retry immediately")
	}
}

func TestFailedRunIsRetried(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 3600)
	runner := newFakeRunner()
	runner.result = func(n int, res *engine.RunResult) *engine.RunResult {
		res.Status = db.RunStatusFailed
		res.Reason = engine.ReasonRemoteUnavailable
		res.Kind = caldav.KindTransient
		return res
	}
	s := newTestScheduler(t, store, runner, Config{
		MaxInterval: 2 * time.Hour,
		Retry: map[caldav.Kind]RetryPolicy{
			caldav.KindTransient: {MaxAttempts: 2, Backoff: 5 * time.Millisecond},
		},
	})

	s.AddBinding("b1")
	waitFor(t, "retries", func() bool { return len(runner.calls()) == 3 })
	time.Sleep(50 * time.Millisecond)

	calls := runner.calls()
	want := []string{TriggerPoll, TriggerRetry, TriggerRetry}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("expected triggers %v, got %v", want, calls)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || time.Until(jobs[0].NextRun) < 59*time.Minute {
		t.Errorf("expected polling to resume at the binding interval, got %+v", jobs)
	}
}

func TestAuthExpiredStopsPolling(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 60)
	runner := newFakeRunner()
	runner.result = func(n int, res *engine.RunResult) *engine.RunResult {
		store.setIntegrationHealth(db.HealthSuspended)
		res.Status = db.RunStatusFailed
		res.Reason = engine.ReasonAuthExpired
		res.Kind = caldav.KindAuthExpired
		return res
	}
	s := newTestScheduler(t, store, runner, Config{})

	s.AddBinding("b1")
	waitFor(t, "run", func() bool { return len(runner.calls()) == 1 })
	waitFor(t, "idle", func() bool { return !s.IsRunning("b1") })

	jobs := s.Jobs()
	if len(jobs) != 1 || !jobs[0].NextRun.IsZero() {
		t.Errorf("expected no polling while suspended, got %+v", jobs)
	}
}

func TestPollingTickSkipsSuspended(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 60)
	store.setIntegrationHealth(db.HealthSuspended)
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, Config{})

	res, err := s.OnPollingTick("b1").Wait(context.Background())
	if res != nil || err != nil {
		t.Errorf("expected skipped poll, got %v, %v", res, err)
	}
	if got := len(runner.calls()); got != 0 {
		t.Errorf("expected no runs, got %d", got)
	}

	// On-demand requests still run so the user can retry after reconnecting.
	wait(t, s.OnDemandRequest("b1"))
	if got := len(runner.calls()); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
}

func TestRemoveBinding(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 60)
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, store, runner, Config{})

	s.AddBinding("b1")
	waitFor(t, "run", func() bool { return runner.running() == 1 })

	s.RemoveBinding("b1")
	waitFor(t, "job removal", func() bool { return len(s.Jobs()) == 0 })
	if got := len(runner.calls()); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
	s.RemoveBinding("unknown")
}

func TestStaleTimerDoesNotRecreateRemovedJob(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 60)
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, Config{})

	for _, trigger := range []string{TriggerRetry, TriggerPoll} {
		s.mu.Lock()
		j := s.job("b1")
		j.polling = true
		s.schedule(j, time.Hour, trigger)
		gen := j.timerGen
		s.mu.Unlock()

		s.RemoveBinding("b1")
		// A callback already past its timer when RemoveBinding stopped it.
		s.fire(j, gen, trigger)

		if jobs := s.Jobs(); len(jobs) != 0 {
			t.Errorf("%s: expected the removed job to stay removed, got %+v", trigger, jobs)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.calls()); got != 0 {
		t.Errorf("expected no runs, got %d", got)
	}
}

func TestReplacedTimerIsIgnored(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 60)
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, Config{})

	s.mu.Lock()
	j := s.job("b1")
	j.polling = true
	s.schedule(j, time.Hour, TriggerRetry)
	old := j.timerGen
	s.schedule(j, time.Hour, TriggerPoll)
	s.mu.Unlock()

	s.fire(j, old, TriggerRetry)
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.calls()); got != 0 {
		t.Errorf("expected the replaced timer to do nothing, got %d runs", got)
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].NextRun.IsZero() {
		t.Errorf("expected the current timer to stay armed, got %+v", jobs)
	}
}

func TestReconcileEnrollsNewBindings(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 600)
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, Config{})

	s.AddBinding("b1")
	waitFor(t, "first run", func() bool { return len(runner.calls()) == 1 })
	waitFor(t, "poll timer", func() bool {
		jobs := s.Jobs()
		return len(jobs) == 1 && !jobs[0].Running && !jobs[0].NextRun.IsZero()
	})

	store.addBinding("b2", 600)
	s.Reconcile()
	waitFor(t, "new binding run", func() bool { return len(runner.calls()) == 2 })
	waitFor(t, "both polling", func() bool {
		jobs := s.Jobs()
		return len(jobs) == 2 && jobs[1].BindingID == "b2" && jobs[1].Polling && !jobs[1].NextRun.IsZero()
	})

	// Armed bindings are left alone.
	s.Reconcile()
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.calls()); got != 2 {
		t.Errorf("expected no extra runs, got %d", got)
	}
}

func TestReconcileStopsInactiveBindings(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 600)
	store.addBinding("b2", 600)
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, Config{})

	s.AddBinding("b1")
	s.AddBinding("b2")
	waitFor(t, "initial runs", func() bool { return len(runner.calls()) == 2 })

	store.setEnabled("b1", false)
	s.Reconcile()
	waitFor(t, "removal", func() bool {
		jobs := s.Jobs()
		return len(jobs) == 1 && jobs[0].BindingID == "b2"
	})
}

func TestReconcileResumesReconnectedIntegration(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 600)
	store.setIntegrationHealth(db.HealthSuspended)
	runner := newFakeRunner()
	s := newTestScheduler(t, store, runner, Config{})

	s.AddBinding("b1")
	waitFor(t, "skipped poll", func() bool {
		jobs := s.Jobs()
		return len(jobs) == 1 && jobs[0].NextRun.IsZero()
	})

	s.Reconcile()
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.calls()); got != 0 {
		t.Fatalf("expected no runs while suspended, got %d", got)
	}

	store.setIntegrationHealth(db.HealthActive)
	s.Reconcile()
	waitFor(t, "resumed run", func() bool { return len(runner.calls()) == 1 })
	if calls := runner.calls(); calls[0] != TriggerPoll {
		t.Errorf("expected a poll run, got %v", calls)
	}
}

func TestStartAndStop(t *testing.T) {
	store := newFakeStore()
	store.addBinding("b1", 600)
	store.addBinding("b2", 600)
	store.interrupted = 1
	runner := newFakeRunner()
	s := New(store, runner, Config{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	waitFor(t, "initial runs", func() bool { return len(runner.calls()) == 2 })
	if store.interruptedCalls != 1 {
		t.Errorf("expected interrupted runs to be finalized once, got %d", store.interruptedCalls)
	}

	s.Stop()
	s.Stop()

	_, err := s.OnDemandRequest("b1").Wait(context.Background())
	if !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), newFakeRunner(), Config{Housekeeping: "not a schedule"})
	if err := s.Start(); err == nil {
		t.Error("expected an error for an invalid housekeeping schedule")
	}

	s = newTestScheduler(t, newFakeStore(), newFakeRunner(), Config{Reconcile: "every so often"})
	if err := s.Start(); err == nil {
		t.Error("expected an error for an invalid reconcile schedule")
	}
}

func TestHousekeeping(t *testing.T) {
	store := newFakeStore()
	s := New(store, newFakeRunner(), Config{TombstoneRetention: 48 * time.Hour, RunRetention: 24 * time.Hour})
	now := time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.housekeeping()

	if !store.tombstoneCutoff.Equal(now.Add(-48 * time.Hour)) {
		t.Errorf("unexpected tombstone cutoff %v", store.tombstoneCutoff)
	}
	if !store.runCutoff.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("unexpected run cutoff %v", store.runCutoff)
	}
}
