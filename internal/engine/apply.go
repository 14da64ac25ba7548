package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/codec"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/detector"
	"github.com/macjediwizard/caldavsync/internal/resolver"
)

// detection is what DetectingChanges loaded.
type detection struct {
	detected *detector.Result
	synced   []db.SyncedEvent
	pending  []db.PendingChange
}

// detect runs the change detector and loads pending changes concurrently.
func (r *run) detect() (*detection, error) {
	e := r.engine
	in := &detection{}

	g, ctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		synced, err := e.store.ListSyncedEvents(r.binding.ID)
		if err != nil {
			return storageError("load synced events", err)
		}
		in.synced = synced
		res, err := e.cfg.Detector.Detect(ctx, r.remote, r.binding, synced)
		if err != nil {
			return err
		}
		in.detected = res
		return nil
	})
	g.Go(func() error {
		pending, err := e.store.ListPendingChanges(r.binding.ID)
		if err != nil {
			return storageError("load pending changes", err)
		}
		in.pending = pending
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.result.Unchanged = in.detected.Unchanged && len(in.pending) == 0
	r.result.Counts.Skipped += in.detected.OutOfWindow + len(in.detected.Malformed)
	return in, nil
}

// item is one event touched this run.
type item struct {
	eventID string
	pair    resolver.Pair
	pending mo.Option[db.PendingChange]
	base    mo.Option[db.SyncedEvent]
}

type plan struct {
	items       []*item
	resolutions []resolver.Resolution
	// unreadable holds pending changes whose payload cannot be decoded.
	unreadable []db.PendingChange
}

// resolve pairs pending changes with remote deltas by event and runs the
// resolver over every touched event.
func (r *run) resolve(in *detection) (*plan, error) {
	e := r.engine
	p := &plan{}

	syncedByEvent := make(map[string]db.SyncedEvent, len(in.synced))
	syncedByUID := make(map[string]db.SyncedEvent, len(in.synced))
	for _, se := range in.synced {
		syncedByEvent[se.EventID] = se
		if prev, ok := syncedByUID[se.UID]; se.UID != "" && (!ok || prev.Tombstone) {
			syncedByUID[se.UID] = se
		}
	}

	items := make(map[string]*item)
	get := func(id string) *item {
		it, ok := items[id]
		if !ok {
			it = &item{eventID: id, pair: resolver.Pair{EventID: id}}
			items[id] = it
		}
		return it
	}

	pendingByUID := make(map[string]string)
	for _, pc := range in.pending {
		lc := resolver.LocalChange{Delete: pc.Op == db.OpDelete, ModifiedAt: pc.EnqueuedAt}
		if !lc.Delete {
			ev, err := decodePayload(pc.Payload)
			if err != nil {
				log.Printf("[Engine] Dropping unreadable pending change %s for event %s: %v", pc.ID, pc.EventID, err)
				p.unreadable = append(p.unreadable, pc)
				r.result.Counts.Skipped++
				continue
			}
			ev.ID = pc.EventID
			if ev.UID == "" {
				ev.UID = pc.EventID
			}
			lc.Event = ev
			pendingByUID[ev.UID] = pc.EventID
		}
		it := get(pc.EventID)
		it.pending = mo.Some(pc)
		it.pair.Local = mo.Some(lc)
	}

	for _, delta := range in.detected.Deltas {
		id := delta.EventID
		if id == "" {
			ev, _ := delta.Event.Get()
			var err error
			if id, err = r.eventIDForUID(ev.UID, syncedByUID, pendingByUID); err != nil {
				return nil, err
			}
		}

		rc := resolver.RemoteChange{Path: delta.Path, ETag: delta.ETag, Delete: delta.Kind == detector.Removed}
		if ev, ok := delta.Event.Get(); ok {
			ev.ID = id
			rc.Event = ev
			rc.ModifiedAt = ev.LastModified
		}

		it := get(id)
		if existing, ok := it.pair.Remote.Get(); ok {
			// An item that moved shows up as a removal and an addition of the
			// same UID; the surviving copy wins.
			if rc.Delete || !existing.Delete {
				log.Printf("[Engine] Ignoring duplicate remote item %s for event %s", delta.Path, id)
				r.result.Counts.Skipped++
				continue
			}
		}
		it.pair.Remote = mo.Some(rc)
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pairs := make([]resolver.Pair, 0, len(ids))
	for _, id := range ids {
		it := items[id]
		if se, ok := syncedByEvent[id]; ok {
			it.base = mo.Some(se)
			it.pair.Base = mo.Some(resolver.Base{
				RemotePath:  se.RemotePath,
				RemoteETag:  se.RemoteETag,
				ContentHash: se.ContentHash,
				Tombstone:   se.Tombstone,
			})
		}
		p.items = append(p.items, it)
		pairs = append(pairs, it.pair)
	}

	resolutions, err := e.cfg.Policy.ResolveAll(r.ctx, pairs, r.binding.Direction)
	if err != nil {
		return nil, err
	}
	p.resolutions = resolutions
	return p, nil
}

// eventIDForUID finds the local event a new remote item belongs to. Remote
// items never seen before get a deterministic id so a crashed run maps them to
// the same local event on retry.
func (r *run) eventIDForUID(uid string, synced map[string]db.SyncedEvent, pending map[string]string) (string, error) {
	if se, ok := synced[uid]; ok {
		return se.EventID, nil
	}
	if id, ok := pending[uid]; ok {
		return id, nil
	}
	local, err := r.engine.store.FindLocalEventByUID(r.binding.ID, uid)
	switch {
	case err == nil:
		return local.ID, nil
	case errors.Is(err, db.ErrNotFound):
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.binding.ID+"/"+uid)).String(), nil
	default:
		return "", storageError("find local event", err)
	}
}

// applyOutcome collects what Applying produced for the commit.
type applyOutcome struct {
	upserts  []db.SyncedEvent
	consumed []db.PendingChange
	requeued []db.PendingChange
	// stop is the Transient or RateLimited failure that ended remote writes
	// for this run.
	stop error
	// abort is the failure that ends the run without advancing tokens.
	abort error
}

// apply executes resolved operations. Remote writes are serial and each runs
// to completion even if the run is cancelled meanwhile.
func (r *run) apply(p *plan) *applyOutcome {
	out := &applyOutcome{consumed: append([]db.PendingChange(nil), p.unreadable...)}

	for i, res := range p.resolutions {
		if err := r.ctx.Err(); err != nil {
			out.abort = err
			return out
		}
		it := p.items[i]
		if res.Conflict {
			r.result.Counts.Conflicts++
			r.publishConflict(it.eventID)
		}

		var written *caldav.ItemRef
		requeue, skip := false, false
		for _, op := range res.Ops {
			if op.Direction == resolver.ToLocal {
				err := r.applyLocal(op, it.pending)
				if errors.Is(err, db.ErrLocalChanged) {
					log.Printf("[Engine] Event %s was edited locally during the run, re-queued for next run", it.eventID)
					if it.pending.IsAbsent() {
						r.result.Counts.Requeued++
					}
					requeue = true
					continue
				}
				if err != nil {
					out.abort = err
					return out
				}
				continue
			}

			if out.stop != nil {
				requeue = true
				continue
			}
			ref, err := r.applyRemote(op)
			if errors.Is(err, codec.ErrMalformedContent) {
				log.Printf("[Engine] Skipping event %s with unencodable content: %v", it.eventID, err)
				r.result.Counts.Skipped++
				skip = true
				continue
			}
			switch caldav.KindOf(err) {
			case "":
				written = &ref
			case caldav.KindConflict:
				log.Printf("[Engine] Remote changed under event %s, re-queued for next run", it.eventID)
				requeue = true
			case caldav.KindTransient, caldav.KindRateLimited:
				log.Printf("[Engine] Stopping remote writes for binding %s: %v", r.binding.ID, err)
				out.stop = err
				requeue = true
			default:
				out.abort = err
				return out
			}
		}
		if skip {
			// The pending change can never be written; drop it and leave the
			// link as it was.
			if pc, ok := it.pending.Get(); ok {
				out.consumed = append(out.consumed, pc)
			}
			continue
		}
		r.recordOutcome(out, it, res, written, requeue)
	}
	return out
}

// applyLocal writes one operation to the local store. pending is the queued
// mutation the resolution was made against; a newer one wins over the run.
func (r *run) applyLocal(op resolver.ResolvedOperation, pending mo.Option[db.PendingChange]) error {
	local := db.LocalOp{
		BindingID:      r.binding.ID,
		EventID:        op.EventID,
		KeepNewerLocal: r.binding.Direction.PushesLocal(),
	}
	if pc, ok := pending.Get(); ok {
		local.PendingVersion = pc.Version
	}
	if op.Kind == resolver.Delete {
		local.Delete = true
		local.RemovedElsewhere = op.Tombstone
	} else {
		ev := op.Event
		ev.ID = op.EventID
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode local event %s: %w", op.EventID, err)
		}
		local.UID = ev.UID
		local.Payload = string(payload)
	}

	if err := r.engine.store.ApplyLocalOperation(local); err != nil {
		if errors.Is(err, db.ErrLocalChanged) {
			return err
		}
		return storageError("apply local operation", err)
	}

	c := &r.result.Counts
	switch {
	case op.Kind == resolver.Delete:
		c.LocalDeleted++
	case op.Create:
		c.LocalCreated++
	default:
		c.LocalUpdated++
	}
	return nil
}

func (r *run) applyRemote(op resolver.ResolvedOperation) (caldav.ItemRef, error) {
	// Writes are detached from run cancellation so none is cut mid-flight.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.engine.cfg.WriteTimeout)
	defer cancel()

	c := &r.result.Counts
	if op.Kind == resolver.Delete {
		if op.RemotePath == "" {
			return caldav.ItemRef{}, nil
		}
		if err := r.remote.DeleteItem(ctx, op.RemotePath, op.Expected); err != nil {
			return caldav.ItemRef{}, err
		}
		c.RemoteDeleted++
		return caldav.ItemRef{Path: op.RemotePath}, nil
	}

	data, err := codec.EncodeString(op.Event)
	if err != nil {
		return caldav.ItemRef{}, err
	}
	ref, err := r.remote.WriteItem(ctx, r.binding.CollectionURL,
		caldav.Item{Path: op.RemotePath, UID: op.Event.UID, Data: data}, op.Expected)
	if err != nil {
		return caldav.ItemRef{}, err
	}
	if op.Create {
		c.RemoteCreated++
	} else {
		c.RemoteUpdated++
	}
	return ref, nil
}

// recordOutcome turns the outcome of one event into SyncedEvent and queue updates.
func (r *run) recordOutcome(out *applyOutcome, it *item, res resolver.Resolution, written *caldav.ItemRef, requeue bool) {
	now := r.engine.now()
	pc, hasPending := it.pending.Get()
	rc, hasRemote := it.pair.Remote.Get()
	se, hasBase := it.base.Get()
	if !hasBase {
		se = db.SyncedEvent{EventID: it.eventID}
	}

	if requeue {
		if hasPending {
			out.requeued = append(out.requeued, pc)
			r.result.Counts.Requeued++
		}
		// The observed remote state becomes the base so the next run's
		// precondition matches the server.
		switch {
		case hasRemote && !rc.Delete:
			se.UID = rc.Event.UID
			se.RemotePath = rc.Path
			se.RemoteETag = rc.ETag
			se.ContentHash = codec.Hash(rc.Event)
			se.RemoteModifiedAt = now
			se.Tombstone = false
			se.TombstonedAt = nil
			out.upserts = append(out.upserts, se)
		case hasRemote && hasBase && !se.Tombstone:
			se.RemoteETag = ""
			se.ContentHash = ""
			se.RemoteModifiedAt = now
			se.Tombstone = true
			se.TombstonedAt = nil
			out.upserts = append(out.upserts, se)
		}
		return
	}

	if hasPending {
		out.consumed = append(out.consumed, pc)
		se.LocalModifiedAt = pc.EnqueuedAt
	}

	if res.Deleted {
		path := se.RemotePath
		if hasRemote {
			path = rc.Path
		}
		if path == "" || (hasBase && se.Tombstone) {
			return
		}
		se.RemotePath = path
		se.RemoteETag = ""
		se.ContentHash = ""
		se.Tombstone = true
		se.TombstonedAt = nil
		se.RemoteModifiedAt = now
		out.upserts = append(out.upserts, se)
		return
	}

	switch {
	case written != nil:
		se.RemotePath = written.Path
		se.RemoteETag = written.ETag
		se.RemoteModifiedAt = now
	case hasRemote:
		se.RemotePath = rc.Path
		se.RemoteETag = rc.ETag
		se.RemoteModifiedAt = rc.ModifiedAt
		if se.RemoteModifiedAt.IsZero() {
			se.RemoteModifiedAt = now
		}
	case !hasBase || se.Tombstone || !hasPending:
		// No remote copy, or nothing changed on the link.
		return
	}

	for _, op := range res.Ops {
		if op.Direction == resolver.ToLocal {
			se.LocalModifiedAt = now
		}
	}
	if res.Event.UID != "" {
		se.UID = res.Event.UID
	}
	se.ContentHash = res.Hash
	se.Tombstone = false
	se.TombstonedAt = nil
	out.upserts = append(out.upserts, se)
}

// commit persists tokens, links and the consumed queue in one transaction.
func (r *run) commit(in *detection, out *applyOutcome) error {
	e := r.engine
	state := db.BindingState{
		BindingID:     r.binding.ID,
		ChangeToken:   in.detected.ChangeToken,
		SyncToken:     in.detected.SyncToken,
		AdvanceTokens: true,
		SyncedAt:      e.now(),
		Upserts:       out.upserts,
		Consumed:      out.consumed,
		Requeued:      out.requeued,
	}
	if err := e.store.CommitBindingState(state); err != nil {
		return storageError("commit binding state", err)
	}

	if !in.detected.Unchanged {
		malformed := make([]db.MalformedItem, 0, len(in.detected.Malformed))
		for _, m := range in.detected.Malformed {
			malformed = append(malformed, db.MalformedItem{Path: m.Path, ErrorMessage: m.ErrorMessage})
		}
		if err := e.store.ReplaceMalformedItems(r.binding.ID, malformed); err != nil {
			log.Printf("[Engine] Failed to record malformed items for binding %s: %v", r.binding.ID, err)
		}
	}
	return nil
}

// commitPartial keeps the work an aborted run already applied without moving
// the binding's tokens, so the next run starts from the same baseline.
func (r *run) commitPartial(out *applyOutcome) {
	if len(out.upserts) == 0 && len(out.consumed) == 0 && len(out.requeued) == 0 {
		return
	}
	state := db.BindingState{
		BindingID: r.binding.ID,
		Upserts:   out.upserts,
		Consumed:  out.consumed,
		Requeued:  out.requeued,
	}
	if err := r.engine.store.CommitBindingState(state); err != nil {
		log.Printf("[Engine] Failed to keep partial progress for binding %s: %v", r.binding.ID, err)
	}
}

func decodePayload(payload string) (codec.Event, error) {
	var ev codec.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return codec.Event{}, err
	}
	return ev, nil
}
