package activity

import (
	"context"
	"testing"
	"time"

	"github.com/macjediwizard/caldavsync/internal/db"
)

func TestBroadcasterRoutesByBinding(t *testing.T) {
	b := NewBroadcaster()

	all, unsubAll := b.Subscribe("")
	defer unsubAll()
	one, unsubOne := b.Subscribe("b1")
	defer unsubOne()

	b.Publish(Event{RunID: "r1", BindingID: "b1", Type: EventStarted})
	b.Publish(Event{RunID: "r2", BindingID: "b2", Type: EventStarted})

	if got := len(all); got != 2 {
		t.Errorf("expected global subscriber to get 2 events, got %d", got)
	}
	if got := len(one); got != 1 {
		t.Fatalf("expected binding subscriber to get 1 event, got %d", got)
	}
	ev := <-one
	if ev.BindingID != "b1" {
		t.Errorf("expected b1, got %s", ev.BindingID)
	}
	if ev.At.IsZero() {
		t.Error("expected At to be stamped")
	}
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	_, unsub := b.Subscribe("")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(Event{BindingID: "b1", Type: EventProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() != uint64(subscriberBuffer*2) {
		t.Errorf("expected %d dropped, got %d", subscriberBuffer*2, b.Dropped())
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("b1")
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	b.Publish(Event{BindingID: "b1"})
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	start := time.Now()

	tr.Apply(Event{RunID: "r1", BindingID: "b1", Type: EventStarted, State: "started", At: start})
	if !tr.IsSyncing("b1") {
		t.Fatal("expected b1 to be syncing")
	}

	tr.Apply(Event{RunID: "r1", BindingID: "b1", Type: EventConflict, State: "resolving", EventID: "ev9"})
	tr.Apply(Event{RunID: "r1", BindingID: "b1", Type: EventProgress, State: "applying", Counts: db.RunCounts{RemoteCreated: 1}})

	active := tr.GetActive()
	if len(active) != 1 || active[0].State != "applying" || active[0].Counts.RemoteCreated != 1 {
		t.Fatalf("unexpected active runs %+v", active)
	}

	tr.Apply(Event{RunID: "r1", BindingID: "b1", Type: EventFailed, State: "applying", At: start.Add(time.Second),
		Error: &ErrorInfo{Kind: "auth_expired", Reason: "auth_expired"}})

	if tr.IsSyncing("b1") {
		t.Error("expected b1 to be finished")
	}
	recent := tr.GetRecent()
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent run, got %d", len(recent))
	}
	if recent[0].Status != "failed" || recent[0].Error == nil || recent[0].Duration != "1s" {
		t.Errorf("unexpected recent run %+v", recent[0])
	}
	if len(recent[0].Conflicts) != 1 || recent[0].Conflicts[0] != "ev9" {
		t.Errorf("expected conflict ev9 to be recorded, got %v", recent[0].Conflicts)
	}
}

func TestTrackerKeepsBoundedHistory(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 30; i++ {
		tr.Apply(Event{RunID: "r", BindingID: "b", Type: EventStarted})
		tr.Apply(Event{RunID: "r", BindingID: "b", Type: EventCompleted})
	}
	if got := len(tr.GetRecent()); got != 20 {
		t.Errorf("expected 20 recent runs, got %d", got)
	}
}

func TestTrackerRunConsumesBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, b)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.Publish(Event{RunID: "r1", BindingID: "b1", Type: EventStarted})

	for !tr.IsSyncing("b1") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !tr.IsSyncing("b1") {
		t.Error("expected tracker to see the started event")
	}

	cancel()
	<-done
}
