package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macjediwizard/caldavsync/internal/activity"
	"github.com/macjediwizard/caldavsync/internal/breaker"
	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/caldav/caldavtest"
	"github.com/macjediwizard/caldavsync/internal/codec"
	"github.com/macjediwizard/caldavsync/internal/db"
)

const collection = "/cal/work/"

var start = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type remoteFunc func(ctx context.Context, in *db.Integration) (caldav.Remote, error)

func (f remoteFunc) RemoteFor(ctx context.Context, in *db.Integration) (caldav.Remote, error) {
	return f(ctx, in)
}

// failingCommit makes CommitBindingState fail.
type failingCommit struct {
	*db.DB
}

func (failingCommit) CommitBindingState(db.BindingState) error {
	return errors.New("disk full")
}

// editingStore lands a local edit right before the run's first local write,
// after the run has loaded the queue.
type editingStore struct {
	*db.DB
	edit func()
	once sync.Once
}

func (s *editingStore) ApplyLocalOperation(op db.LocalOp) error {
	s.once.Do(s.edit)
	return s.DB.ApplyLocalOperation(op)
}

type harness struct {
	t           *testing.T
	store       *db.DB
	remote      *caldavtest.Fake
	breaker     *breaker.Breaker
	events      *activity.Broadcaster
	engine      *Engine
	integration *db.Integration
	bindingID   string
}

func newHarness(t *testing.T, direction db.SyncDirection) *harness {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cred := &db.Credential{Kind: db.CredentialBasic, Username: "user", Secret: "x"}
	require.NoError(t, store.SaveCredential(cred))
	in := &db.Integration{AccountID: "acct", Name: "Work", Provider: "caldav", BaseURL: "https://dav.example.com/", CredentialRef: cred.Ref}
	require.NoError(t, store.CreateIntegration(in))
	b := &db.CollectionBinding{IntegrationID: in.ID, CollectionURL: collection, Direction: direction, Enabled: true, SyncInterval: 300}
	require.NoError(t, store.CreateBinding(b))

	h := &harness{
		t:           t,
		store:       store,
		remote:      caldavtest.New(collection),
		breaker:     breaker.New("acct", breaker.Config{Threshold: 5, Window: 30 * time.Second, Cooldown: time.Minute, MaxCooldown: time.Hour}),
		events:      activity.NewBroadcaster(),
		integration: in,
		bindingID:   b.ID,
	}
	factory := remoteFunc(func(ctx context.Context, in *db.Integration) (caldav.Remote, error) {
		return breaker.Guard(h.remote, h.breaker), nil
	})
	h.engine = New(store, factory, h.events, Config{WriteTimeout: 5 * time.Second})
	return h
}

func (h *harness) run() *RunResult {
	h.t.Helper()
	return h.engine.Run(context.Background(), h.bindingID, "test")
}

func (h *harness) mustComplete() *RunResult {
	h.t.Helper()
	res := h.run()
	require.Equal(h.t, db.RunStatusCompleted, res.Status, "run failed: %v", res.Err)
	return res
}

func (h *harness) binding() *db.CollectionBinding {
	h.t.Helper()
	b, err := h.store.GetBinding(h.bindingID)
	require.NoError(h.t, err)
	return b
}

func (h *harness) putLocal(id, uid, summary string) {
	h.t.Helper()
	payload, err := json.Marshal(codec.Event{ID: id, UID: uid, Summary: summary, Start: start, End: start.Add(time.Hour)})
	require.NoError(h.t, err)
	_, err = h.store.PutLocalEvent(&db.LocalEvent{ID: id, BindingID: h.bindingID, UID: uid, Payload: string(payload)})
	require.NoError(h.t, err)
}

func (h *harness) putRemote(uid, summary string, modified time.Time) string {
	h.t.Helper()
	data, err := codec.EncodeString(codec.Event{UID: uid, Summary: summary, Start: start, End: start.Add(time.Hour), LastModified: modified})
	require.NoError(h.t, err)
	return h.remote.Put(collection, collection+uid+".ics", data)
}

func (h *harness) remoteEvent(uid string) codec.Event {
	h.t.Helper()
	data, _, ok := h.remote.Get(collection + uid + ".ics")
	require.True(h.t, ok, "remote item %s missing", uid)
	ev, err := codec.Decode(data)
	require.NoError(h.t, err)
	return ev
}

func (h *harness) localEvent(uid string) *db.LocalEvent {
	h.t.Helper()
	ev, err := h.store.FindLocalEventByUID(h.bindingID, uid)
	require.NoError(h.t, err)
	return ev
}

func (h *harness) localSummary(uid string) string {
	h.t.Helper()
	var ev codec.Event
	require.NoError(h.t, json.Unmarshal([]byte(h.localEvent(uid).Payload), &ev))
	return ev.Summary
}

func (h *harness) pending() []db.PendingChange {
	h.t.Helper()
	pending, err := h.store.ListPendingChanges(h.bindingID)
	require.NoError(h.t, err)
	return pending
}

func TestLocalCreatePushesOneRemoteWrite(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putLocal("ev1", "uid-1", "Planning")

	res := h.mustComplete()

	assert.Equal(t, 1, res.Counts.RemoteCreated)
	assert.Equal(t, 1, res.Counts.Writes())
	assert.Equal(t, 1, h.remote.Len(collection))
	assert.Equal(t, "Planning", h.remoteEvent("uid-1").Summary)
	assert.Empty(t, h.pending())

	synced, err := h.store.ListSyncedEvents(h.bindingID)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	_, etag, _ := h.remote.Get(collection + "uid-1.ics")
	assert.Equal(t, "ev1", synced[0].EventID)
	assert.Equal(t, etag, synced[0].RemoteETag)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putLocal("ev1", "uid-1", "Planning")
	h.putRemote("uid-2", "Retro", start)
	h.mustComplete()

	writesBefore := h.remote.Calls("write")
	res := h.mustComplete()
	assert.Zero(t, res.Counts.Writes())
	assert.Equal(t, writesBefore, h.remote.Calls("write"))

	res = h.mustComplete()
	assert.Zero(t, res.Counts.Writes())
	assert.True(t, res.Unchanged, "third run sees the committed collection token")
}

func TestRemoteModificationUpdatesLocal(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putRemote("uid-1", "Dentist", start)
	res := h.mustComplete()
	require.Equal(t, 1, res.Counts.LocalCreated)

	etag := h.putRemote("uid-1", "Dentist (moved)", start.Add(time.Hour))
	res = h.mustComplete()

	assert.Equal(t, 1, res.Counts.LocalUpdated)
	assert.Equal(t, 1, res.Counts.Writes())
	local := h.localEvent("uid-1")
	var ev codec.Event
	require.NoError(t, json.Unmarshal([]byte(local.Payload), &ev))
	assert.Equal(t, "Dentist (moved)", ev.Summary)

	synced, _ := h.store.ListSyncedEvents(h.bindingID)
	require.Len(t, synced, 1)
	assert.Equal(t, etag, synced[0].RemoteETag)
	assert.Empty(t, h.pending(), "remote-originated local writes are never queued back")
}

func TestBothModifiedLaterLocalWins(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putLocal("ev1", "uid-1", "Interview")
	h.mustComplete()

	h.putRemote("uid-1", "Interview (remote)", time.Now().UTC().Add(-time.Hour))
	h.putLocal("ev1", "uid-1", "Interview (local)")

	res := h.mustComplete()

	assert.Equal(t, 1, res.Counts.Conflicts)
	assert.Equal(t, 1, res.Counts.RemoteUpdated)
	assert.Equal(t, 0, res.Counts.LocalUpdated)
	assert.Equal(t, "Interview (local)", h.remoteEvent("uid-1").Summary)
	assert.Empty(t, h.pending())
}

func TestTokenInvalidatedEmitsOnlyRealChanges(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putRemote("uid-1", "One", start)
	h.putRemote("uid-2", "Two", start)
	h.putRemote("uid-3", "Three", start)
	res := h.mustComplete()
	require.Equal(t, 3, res.Counts.LocalCreated)

	h.putRemote("uid-2", "Two (edited)", start.Add(time.Minute))
	h.remote.ExpireTokens(collection)
	h.remote.ResetCalls()

	res = h.mustComplete()

	assert.Equal(t, 1, res.Counts.Writes())
	assert.Equal(t, 1, res.Counts.LocalUpdated)
	assert.Equal(t, 2, h.remote.Calls("list"), "expired token, then full listing")
	assert.Zero(t, h.remote.Calls("write"))
}

func TestBreakerOpensAndRunsFailFast(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	outage := &caldav.Error{Kind: caldav.KindTransient, Op: "token", Status: 503, Err: errors.New("unavailable")}
	for i := 0; i < 5; i++ {
		h.remote.FailNext("token", outage)
	}

	for i := 0; i < 5; i++ {
		res := h.run()
		require.True(t, res.Failed())
		assert.Equal(t, ReasonRemoteUnavailable, res.Reason)
		assert.Equal(t, caldav.KindTransient, res.Kind)
	}
	require.Equal(t, breaker.Open, h.breaker.State())

	res := h.run()
	assert.True(t, res.Failed())
	assert.Equal(t, ReasonCircuitOpen, res.Reason)
	assert.Equal(t, 5, h.remote.Calls("token"), "an open circuit must not reach the network")
	assert.Equal(t, db.HealthActive, h.binding().Health, "outages do not degrade the binding")
}

func TestConflictOnOneWriteRequeuesOnlyThatEvent(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putLocal("ev1", "uid-1", "A")
	h.putLocal("ev2", "uid-2", "B")
	h.putLocal("ev3", "uid-3", "C")
	h.remote.FailNext("write", nil, &caldav.Error{Kind: caldav.KindConflict, Op: "write", Status: 412, Err: caldav.ErrPrecondition})

	res := h.mustComplete()

	assert.Equal(t, 2, res.Counts.RemoteCreated)
	assert.Equal(t, 1, res.Counts.Requeued)
	assert.Empty(t, res.Kind, "conflicts are not surfaced as failures")
	pending := h.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "ev2", pending[0].EventID)
	assert.Equal(t, 1, pending[0].Attempts)
	synced, _ := h.store.ListSyncedEvents(h.bindingID)
	assert.Len(t, synced, 2)
	assert.NotEmpty(t, h.binding().ChangeToken)

	res = h.mustComplete()
	assert.Equal(t, 1, res.Counts.RemoteCreated)
	assert.Empty(t, h.pending())
	assert.Equal(t, 3, h.remote.Len(collection))
}

func TestTransientMidApplyStopsRemoteWritesAndCommits(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putLocal("ev1", "uid-1", "A")
	h.putLocal("ev2", "uid-2", "B")
	h.putLocal("ev3", "uid-3", "C")
	h.putRemote("uid-9", "Remote", start)
	h.remote.FailNext("write", nil, &caldav.Error{Kind: caldav.KindRateLimited, Op: "write", Status: 429, RetryAfter: 7 * time.Second, Err: caldav.ErrRateLimited})

	res := h.run()

	assert.Equal(t, db.RunStatusCompleted, res.Status)
	assert.True(t, res.Partial())
	assert.Equal(t, caldav.KindRateLimited, res.Kind)
	assert.Equal(t, 7*time.Second, res.RetryAfter)
	assert.Equal(t, 1, res.Counts.RemoteCreated)
	assert.Equal(t, 1, res.Counts.LocalCreated, "local-bound work continues")
	assert.Equal(t, 2, h.remote.Calls("write"), "no writes after the rate limit")
	assert.Len(t, h.pending(), 2)
	assert.NotEmpty(t, h.binding().ChangeToken)
}

func TestAuthExpiredSuspendsIntegrationWithoutAdvancingTokens(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putRemote("uid-1", "A", start)
	h.remote.FailNext("list", &caldav.Error{Kind: caldav.KindAuthExpired, Op: "list", Status: 401, Err: caldav.ErrAuthFailed})

	res := h.run()

	assert.True(t, res.Failed())
	assert.Equal(t, ReasonAuthExpired, res.Reason)
	assert.Equal(t, StateFailed, res.State)
	in, err := h.store.GetIntegration(h.integration.ID)
	require.NoError(t, err)
	assert.Equal(t, db.HealthSuspended, in.Health)
	assert.Equal(t, "auth_expired", in.HealthReason)
	assert.Empty(t, h.binding().ChangeToken)

	runs, _ := h.store.ListRuns(h.bindingID, 0)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "auth_expired", runs[0].Reason)
}

func TestFatalDegradesAndSuccessRestoresHealth(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.remote.FailNext("token", &caldav.Error{Kind: caldav.KindFatal, Op: "token", Status: 404, Err: caldav.ErrNotFound})

	res := h.run()
	assert.Equal(t, ReasonCollectionUnavailable, res.Reason)
	assert.Equal(t, db.HealthDegraded, h.binding().Health)
	in, _ := h.store.GetIntegration(h.integration.ID)
	assert.Equal(t, db.HealthDegraded, in.Health)

	h.mustComplete()
	assert.Equal(t, db.HealthActive, h.binding().Health)
	in, _ = h.store.GetIntegration(h.integration.ID)
	assert.Equal(t, db.HealthActive, in.Health)
}

func TestTokenUnchangedWhenCommitFails(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putRemote("uid-1", "A", start)
	h.engine.store = failingCommit{h.store}

	res := h.run()

	assert.True(t, res.Failed())
	assert.Equal(t, ReasonStorageError, res.Reason)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, h.binding().ChangeToken)
	assert.Nil(t, h.binding().LastSyncedAt)
}

func TestCancelledRunAdvancesNothing(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putLocal("ev1", "uid-1", "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.engine.Run(ctx, h.bindingID, "test")

	assert.True(t, res.Failed())
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Empty(t, res.Kind, "explicit cancellation is not retried")
	assert.Zero(t, h.remote.Calls("write"))
	assert.Len(t, h.pending(), 1)
	assert.Empty(t, h.binding().ChangeToken)
}

func TestDeadlineReportsTimeout(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	res := h.engine.Run(ctx, h.bindingID, "test")
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, caldav.KindTransient, res.Kind)
}

func TestRemoteDeleteBeatsLocalModification(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putLocal("ev1", "uid-1", "Offsite")
	h.mustComplete()

	h.remote.Remove(collection + "uid-1.ics")
	h.putLocal("ev1", "uid-1", "Offsite (moved)")

	res := h.mustComplete()

	assert.Equal(t, 1, res.Counts.LocalDeleted)
	assert.Equal(t, 1, res.Counts.Conflicts)
	assert.Zero(t, h.remote.Len(collection), "the event is not resurrected remotely")
	local, err := h.store.GetLocalEvent(h.bindingID, "ev1")
	require.NoError(t, err)
	assert.True(t, local.Deleted)
	assert.True(t, local.RemovedElsewhere)
	assert.Empty(t, h.pending())

	synced, _ := h.store.ListSyncedEvents(h.bindingID)
	require.Len(t, synced, 1)
	assert.True(t, synced[0].Tombstone)
}

func TestLocalEditDuringRunIsNotOverwritten(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putRemote("uid-1", "v1", start)
	h.mustComplete()
	id := h.localEvent("uid-1").ID

	h.putRemote("uid-1", "remote-v2", start.Add(time.Hour))
	h.engine.store = &editingStore{DB: h.store, edit: func() { h.putLocal(id, "uid-1", "local-edit") }}

	res := h.mustComplete()
	assert.Equal(t, 1, res.Counts.Requeued)
	assert.Zero(t, res.Counts.LocalUpdated)
	assert.Equal(t, "local-edit", h.localSummary("uid-1"))
	require.Len(t, h.pending(), 1)

	h.engine.store = h.store
	res = h.mustComplete()
	assert.Equal(t, 1, res.Counts.RemoteUpdated)
	assert.Equal(t, "local-edit", h.remoteEvent("uid-1").Summary)
	assert.Empty(t, h.pending())

	for i := 0; i < 2; i++ {
		res = h.mustComplete()
		assert.Zero(t, res.Counts.Writes())
	}
	assert.Equal(t, h.remoteEvent("uid-1").Summary, h.localSummary("uid-1"))
}

func TestLocalDeleteRemovesRemoteItem(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	h.putRemote("uid-1", "Gym", start)
	h.mustComplete()

	local := h.localEvent("uid-1")
	require.NoError(t, h.store.DeleteLocalEvent(h.bindingID, local.ID))

	res := h.mustComplete()
	assert.Equal(t, 1, res.Counts.RemoteDeleted)
	assert.Zero(t, h.remote.Len(collection))

	res = h.mustComplete()
	assert.Zero(t, res.Counts.Writes(), "the removal is not echoed back locally")
}

func TestRemoteToLocalDropsLocalChanges(t *testing.T) {
	h := newHarness(t, db.DirectionRemoteToLocal)
	h.putLocal("ev1", "uid-1", "Local only")

	res := h.mustComplete()
	assert.Zero(t, res.Counts.Writes())
	assert.Zero(t, h.remote.Calls("write"))
	assert.Empty(t, h.pending())
}

func TestRunPublishesLifecycle(t *testing.T) {
	h := newHarness(t, db.DirectionBidirectional)
	events, unsubscribe := h.events.Subscribe(h.bindingID)
	defer unsubscribe()
	h.putLocal("ev1", "uid-1", "A")

	res := h.mustComplete()

	var states []string
	var last activity.Event
	for len(events) > 0 {
		last = <-events
		assert.Equal(t, res.RunID, last.RunID)
		states = append(states, last.State)
	}
	assert.Equal(t, []string{"started", "detecting_changes", "resolving_conflicts", "applying", "committing", "completed"}, states)
	assert.Equal(t, activity.EventCompleted, last.Type)
	assert.Equal(t, 1, last.Counts.RemoteCreated)
}
