// Package detector computes the remote changes of a collection since the
// last committed sync run.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/samber/mo"

	"github.com/macjediwizard/caldavsync/internal/caldav"
	"github.com/macjediwizard/caldavsync/internal/codec"
	"github.com/macjediwizard/caldavsync/internal/db"
)

// Kind classifies a remote delta.
type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
	Removed  Kind = "removed"
)

// RemoteDelta is one remote item that changed since the last run.
type RemoteDelta struct {
	Kind Kind
	Path string
	ETag string
	// EventID is the local event the item is linked to, empty for Added.
	EventID string
	// Event is the decoded payload. It is absent for Removed deltas.
	Event mo.Option[codec.Event]
}

// Window bounds the events imported from a collection. A zero bound is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ev overlaps the window. Recurring events always
// overlap because their later instances are not expanded here.
func (w Window) Contains(ev codec.Event) bool {
	if ev.RRule != "" {
		return true
	}
	end := ev.End
	if end.IsZero() {
		end = ev.Start
	}
	if !w.Start.IsZero() && end.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && ev.Start.After(w.End) {
		return false
	}
	return true
}

// Result is the output of Detect. ChangeToken and SyncToken must only be
// persisted after the run that consumed Deltas commits.
type Result struct {
	Deltas      []RemoteDelta
	ChangeToken string
	SyncToken   string
	// Unchanged is set when the collection token matched and no listing was
	// made.
	Unchanged bool
	// Full is set when the listing covered the whole collection.
	Full bool
	// TokenReset is set when the stored sync token was rejected and a full
	// listing replaced the incremental one.
	TokenReset bool
	// OutOfWindow counts untracked items skipped by the time window.
	OutOfWindow int
	Malformed   []caldav.MalformedEventInfo
	// TokenHeld is set when a changed tracked item could not be read. The
	// tokens are then the binding's previous ones so the next run lists the
	// item again.
	TokenHeld bool
}

// Detector finds remote deltas for a binding.
type Detector struct {
	window func() Window
}

// New creates a Detector. window is evaluated once per Detect call; nil means
// no window.
func New(window func() Window) *Detector {
	return &Detector{window: window}
}

// RollingWindow returns a window function spanning past before and future
// after the current time.
func RollingWindow(past, future time.Duration) func() Window {
	return func() Window {
		now := time.Now().UTC()
		return Window{Start: now.Add(-past), End: now.Add(future)}
	}
}

// Detect compares the collection token against the binding's last known
// token and, when they differ, lists and fetches the changed items.
func (d *Detector) Detect(ctx context.Context, remote caldav.Remote, binding *db.CollectionBinding, synced []db.SyncedEvent) (*Result, error) {
	token, err := remote.CollectionToken(ctx, binding.CollectionURL)
	if err != nil {
		return nil, err
	}

	if token != "" && token == binding.ChangeToken && binding.LastSyncedAt != nil {
		return &Result{Unchanged: true, ChangeToken: token, SyncToken: binding.SyncToken}, nil
	}

	res := &Result{}
	changes, err := remote.ListChanges(ctx, binding.CollectionURL, binding.SyncToken)
	if caldav.KindOf(err) == caldav.KindTokenInvalidated {
		log.Printf("[Detector] Sync token rejected for binding %s, falling back to full listing", binding.ID)
		res.TokenReset = true
		changes, err = remote.ListChanges(ctx, binding.CollectionURL, "")
	}
	if err != nil {
		return nil, err
	}

	res.Full = changes.Full
	res.SyncToken = changes.Token
	res.ChangeToken = token
	if res.ChangeToken == "" {
		res.ChangeToken = changes.Token
	}

	live := make(map[string]db.SyncedEvent)
	tombstoned := make(map[string]db.SyncedEvent)
	for _, se := range synced {
		if se.Tombstone {
			tombstoned[se.RemotePath] = se
		} else {
			live[se.RemotePath] = se
		}
	}

	var fetch []RemoteDelta
	seen := make(map[string]bool, len(changes.Items))
	for _, item := range changes.Items {
		seen[item.Path] = true
		if se, ok := live[item.Path]; ok {
			// Our own writes come back with the ETag we already recorded.
			if item.ETag != "" && item.ETag == se.RemoteETag && !res.TokenReset {
				continue
			}
			fetch = append(fetch, RemoteDelta{Kind: Modified, Path: item.Path, ETag: item.ETag, EventID: se.EventID})
			continue
		}
		if se, ok := tombstoned[item.Path]; ok && item.ETag != "" && item.ETag == se.RemoteETag {
			continue
		}
		fetch = append(fetch, RemoteDelta{Kind: Added, Path: item.Path, ETag: item.ETag})
	}

	var deltas []RemoteDelta
	if changes.Full {
		for path, se := range live {
			if !seen[path] {
				deltas = append(deltas, RemoteDelta{Kind: Removed, Path: path, ETag: se.RemoteETag, EventID: se.EventID})
			}
		}
	} else {
		for _, path := range changes.Removed {
			if se, ok := live[path]; ok {
				deltas = append(deltas, RemoteDelta{Kind: Removed, Path: path, ETag: se.RemoteETag, EventID: se.EventID})
			}
		}
	}

	fetched, malformed, err := d.fetch(ctx, remote, binding.CollectionURL, fetch)
	if err != nil {
		return nil, err
	}
	res.Malformed = malformed

	read := make(map[string]bool, len(fetched))
	for _, delta := range fetched {
		read[delta.Path] = true
	}
	for _, delta := range fetch {
		if delta.Kind == Modified && !read[delta.Path] {
			res.TokenHeld = true
			break
		}
	}
	if res.TokenHeld {
		log.Printf("[Detector] Keeping the previous sync token of binding %s until its changed items can be read", binding.ID)
		res.ChangeToken = binding.ChangeToken
		res.SyncToken = binding.SyncToken
		if res.TokenReset {
			res.SyncToken = ""
		}
	}

	window := Window{}
	if d.window != nil {
		window = d.window()
	}
	for _, delta := range fetched {
		ev := delta.Event.MustGet()
		if delta.Kind == Added && !window.Contains(ev) {
			res.OutOfWindow++
			continue
		}
		deltas = append(deltas, delta)
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Path < deltas[j].Path })
	res.Deltas = deltas
	return res, nil
}

// fetch downloads and decodes the payloads of Added and Modified deltas.
// Items that are gone by the time they are fetched or fail to decode are
// dropped from the result.
func (d *Detector) fetch(ctx context.Context, remote caldav.Remote, collectionURL string, pending []RemoteDelta) ([]RemoteDelta, []caldav.MalformedEventInfo, error) {
	if len(pending) == 0 {
		return nil, nil, nil
	}

	paths := make([]string, len(pending))
	for i, delta := range pending {
		paths[i] = delta.Path
	}

	collector := caldav.NewMalformedEventCollector()
	items, err := remote.FetchItems(ctx, collectionURL, paths, collector)
	if err != nil {
		return nil, nil, err
	}

	byPath := make(map[string]caldav.Item, len(items))
	for _, item := range items {
		byPath[item.Path] = item
	}

	out := make([]RemoteDelta, 0, len(pending))
	for _, delta := range pending {
		item, ok := byPath[delta.Path]
		if !ok {
			continue
		}
		ev, err := codec.Decode(item.Data)
		if err != nil {
			if !errors.Is(err, codec.ErrMalformedContent) {
				err = fmt.Errorf("%w: %w", codec.ErrMalformedContent, err)
			}
			collector.Add(item.Path, err.Error())
			continue
		}
		if item.ETag != "" {
			delta.ETag = item.ETag
		}
		delta.Event = mo.Some(ev)
		out = append(out, delta)
	}

	if collector.Count() > 0 {
		log.Printf("[Detector] %d malformed items in %s", collector.Count(), collectionURL)
	}
	return out, collector.GetEvents(), nil
}
