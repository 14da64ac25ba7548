// Package resolver decides the winning state of events changed on one or both
// sides of a binding. It performs no I/O.
package resolver

import (
	"context"
	"runtime"
	"time"

	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/caldavsync/internal/codec"
	"github.com/macjediwizard/caldavsync/internal/db"
)

// Direction is the side an operation is applied to.
type Direction string

const (
	ToRemote Direction = "to_remote"
	ToLocal  Direction = "to_local"
)

// OpKind is the kind of a resolved operation.
type OpKind string

const (
	Write  OpKind = "write"
	Delete OpKind = "delete"
)

// Side names the side whose state won.
type Side string

const (
	SideNone   Side = ""
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// LocalChange is a queued local mutation.
type LocalChange struct {
	Delete     bool
	Event      codec.Event
	ModifiedAt time.Time
}

// RemoteChange is a remote delta as observed this run.
type RemoteChange struct {
	Path       string
	ETag       string
	Delete     bool
	Event      codec.Event
	ModifiedAt time.Time
}

// Base is the last reconciled state recorded for an event.
type Base struct {
	RemotePath  string
	RemoteETag  string
	ContentHash string
	Tombstone   bool
}

func (b Base) live() bool {
	return !b.Tombstone && b.RemotePath != ""
}

// Pair is the input for one event touched this run.
type Pair struct {
	EventID string
	Local   mo.Option[LocalChange]
	Remote  mo.Option[RemoteChange]
	Base    mo.Option[Base]
}

// ResolvedOperation is one write or delete to apply to one side.
type ResolvedOperation struct {
	EventID    string
	Direction  Direction
	Kind       OpKind
	Event      codec.Event
	RemotePath string
	// Expected is the remote ETag precondition of a remote-bound operation.
	Expected mo.Option[string]
	// Tombstone marks a delete that acknowledges a removal made on the other
	// side while this side modified the event.
	Tombstone bool
	// Create is set for a write to a side that has no copy of the event.
	Create bool
}

// Resolution is the outcome for one event.
type Resolution struct {
	EventID    string
	Ops        []ResolvedOperation
	Conflict   bool
	Reconciled bool
	Winner     Side
	// Deleted is set when the event has no remote copy once Ops are applied.
	Deleted bool
	// Event and Hash describe the content both sides hold once Ops are
	// applied. They are empty when Deleted is set.
	Event codec.Event
	Hash  string
}

// Policy holds the resolution policy choices.
type Policy struct {
	// TieBreak wins when both sides changed to different content with equal
	// timestamps.
	TieBreak Side
}

// DefaultPolicy treats the remote calendar as the calendar of record.
var DefaultPolicy = Policy{TieBreak: SideRemote}

// Resolve resolves one pair under the binding's sync direction.
func (p Policy) Resolve(pair Pair, direction db.SyncDirection) Resolution {
	local, remote := pair.Local, pair.Remote
	if !direction.PushesLocal() {
		local = mo.None[LocalChange]()
	}
	if !direction.PullsRemote() {
		return p.resolveLocalOnly(pair.EventID, local, remote, pair.Base)
	}

	l, hasLocal := local.Get()
	r, hasRemote := remote.Get()
	base, hasBase := pair.Base.Get()

	res := Resolution{EventID: pair.EventID}
	switch {
	case !hasLocal && !hasRemote:
		res.Reconciled = true
		if hasBase && !base.live() {
			res.Deleted = true
		} else if hasBase {
			res.Hash = base.ContentHash
		}
		return res

	case hasLocal && !hasRemote:
		return p.pushLocal(res, l, base, hasBase)

	case !hasLocal && hasRemote:
		return p.pullRemote(res, r, base, hasBase)
	}

	// Both sides changed.
	switch {
	case l.Delete && r.Delete:
		res.Reconciled = true
		res.Deleted = true
		return res

	case l.Delete:
		// The remote modification is removed rather than resurrecting the
		// event locally.
		res.Conflict = true
		res.Winner = SideLocal
		res.Deleted = true
		res.Ops = []ResolvedOperation{{
			EventID:    pair.EventID,
			Direction:  ToRemote,
			Kind:       Delete,
			RemotePath: r.Path,
			Expected:   optional(r.ETag),
			Tombstone:  true,
		}}
		return res

	case r.Delete:
		res.Conflict = true
		res.Winner = SideRemote
		res.Deleted = true
		res.Ops = []ResolvedOperation{{
			EventID:   pair.EventID,
			Direction: ToLocal,
			Kind:      Delete,
			Event:     l.Event,
			Tombstone: true,
		}}
		return res
	}

	localHash, remoteHash := codec.Hash(l.Event), codec.Hash(r.Event)
	if localHash == remoteHash {
		res.Reconciled = true
		res.Event = r.Event
		res.Hash = remoteHash
		return res
	}

	res.Conflict = true
	if p.localWins(l.ModifiedAt, r.ModifiedAt) {
		res.Winner = SideLocal
		res.Event = l.Event
		res.Hash = localHash
		res.Ops = []ResolvedOperation{{
			EventID:    pair.EventID,
			Direction:  ToRemote,
			Kind:       Write,
			Event:      l.Event,
			RemotePath: r.Path,
			Expected:   optional(r.ETag),
		}}
		return res
	}

	res.Winner = SideRemote
	res.Event = r.Event
	res.Hash = remoteHash
	res.Ops = []ResolvedOperation{{
		EventID:   pair.EventID,
		Direction: ToLocal,
		Kind:      Write,
		Event:     r.Event,
	}}
	return res
}

func (p Policy) localWins(local, remote time.Time) bool {
	if local.Equal(remote) {
		return p.TieBreak == SideLocal
	}
	return local.After(remote)
}

// pushLocal applies a local-only change to the remote side.
func (p Policy) pushLocal(res Resolution, l LocalChange, base Base, hasBase bool) Resolution {
	live := hasBase && base.live()
	res.Winner = SideLocal

	if l.Delete {
		res.Deleted = true
		if !live {
			res.Reconciled = true
			return res
		}
		res.Ops = []ResolvedOperation{{
			EventID:    res.EventID,
			Direction:  ToRemote,
			Kind:       Delete,
			RemotePath: base.RemotePath,
			Expected:   optional(base.RemoteETag),
		}}
		return res
	}

	hash := codec.Hash(l.Event)
	res.Event = l.Event
	res.Hash = hash
	if live && hash == base.ContentHash {
		res.Reconciled = true
		return res
	}

	op := ResolvedOperation{
		EventID:   res.EventID,
		Direction: ToRemote,
		Kind:      Write,
		Event:     l.Event,
		Create:    !live,
	}
	if live {
		op.RemotePath = base.RemotePath
		op.Expected = optional(base.RemoteETag)
	}
	res.Ops = []ResolvedOperation{op}
	return res
}

// pullRemote applies a remote-only change to the local side.
func (p Policy) pullRemote(res Resolution, r RemoteChange, base Base, hasBase bool) Resolution {
	live := hasBase && base.live()
	res.Winner = SideRemote

	if r.Delete {
		res.Deleted = true
		if !live {
			res.Reconciled = true
			return res
		}
		res.Ops = []ResolvedOperation{{
			EventID:   res.EventID,
			Direction: ToLocal,
			Kind:      Delete,
		}}
		return res
	}

	hash := codec.Hash(r.Event)
	res.Event = r.Event
	res.Hash = hash
	if live && hash == base.ContentHash {
		// Only the token moved.
		res.Reconciled = true
		res.Winner = SideNone
		return res
	}

	res.Ops = []ResolvedOperation{{
		EventID:   res.EventID,
		Direction: ToLocal,
		Kind:      Write,
		Event:     r.Event,
		Create:    !live,
	}}
	return res
}

// resolveLocalOnly handles local-to-remote bindings: remote content never
// flows down and remote deletions are not propagated locally.
func (p Policy) resolveLocalOnly(eventID string, local mo.Option[LocalChange], remote mo.Option[RemoteChange], baseOpt mo.Option[Base]) Resolution {
	res := Resolution{EventID: eventID}
	base, hasBase := baseOpt.Get()
	r, hasRemote := remote.Get()

	// The observed remote state replaces the recorded one for preconditions.
	if hasRemote {
		if r.Delete {
			base = Base{Tombstone: true}
		} else {
			base.RemotePath = r.Path
			base.RemoteETag = r.ETag
			base.Tombstone = false
			base.ContentHash = codec.Hash(r.Event)
		}
		hasBase = true
	}

	l, hasLocal := local.Get()
	if !hasLocal {
		res.Reconciled = true
		if hasBase && !base.live() {
			res.Deleted = true
			return res
		}
		if hasRemote {
			res.Event = r.Event
			res.Hash = base.ContentHash
		} else if hasBase {
			res.Hash = base.ContentHash
		}
		return res
	}
	return p.pushLocal(res, l, base, hasBase)
}

// ResolveAll resolves pairs concurrently and returns the resolutions in input
// order.
func (p Policy) ResolveAll(ctx context.Context, pairs []Pair, direction db.SyncDirection) ([]Resolution, error) {
	out := make([]Resolution, len(pairs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range pairs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = p.Resolve(pairs[i], direction)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func optional(etag string) mo.Option[string] {
	if etag == "" {
		return mo.None[string]()
	}
	return mo.Some(etag)
}
