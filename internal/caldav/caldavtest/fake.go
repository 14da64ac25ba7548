// Package caldavtest provides an in-memory caldav.Remote for tests.
package caldavtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/mo"

	"github.com/macjediwizard/caldavsync/internal/caldav"
)

type object struct {
	collection string
	etag       string
	data       string
	seq        int
}

type removal struct {
	collection string
	path       string
	seq        int
}

// Fake is an in-memory CalDAV account. Collection tokens change on every
// mutation and sync tokens are change sequence numbers.
type Fake struct {
	mu          sync.Mutex
	collections []caldav.Collection
	objects     map[string]*object
	removals    []removal
	seq         int
	expiredAt   map[string]int
	failures    map[string][]error
	calls       map[string]int
	// NoSyncTokens makes ListChanges always return a full listing.
	NoSyncTokens bool
}

// New creates a Fake holding the given collections.
func New(collectionURLs ...string) *Fake {
	f := &Fake{
		objects:   make(map[string]*object),
		expiredAt: make(map[string]int),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
	for _, u := range collectionURLs {
		f.collections = append(f.collections, caldav.Collection{URL: u, Name: u, Components: []string{"VEVENT"}})
	}
	return f
}

// Put stores data at path as another client would and returns the new ETag.
func (f *Fake) Put(collectionURL, path, data string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.put(collectionURL, path, data)
}

func (f *Fake) put(collectionURL, path, data string) string {
	f.seq++
	etag := "etag-" + strconv.Itoa(f.seq)
	f.objects[path] = &object{collection: collectionURL, etag: etag, data: data, seq: f.seq}
	return etag
}

// Remove deletes path as another client would.
func (f *Fake) Remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(path)
}

func (f *Fake) remove(path string) {
	obj, ok := f.objects[path]
	if !ok {
		return
	}
	f.seq++
	delete(f.objects, path)
	f.removals = append(f.removals, removal{collection: obj.collection, path: path, seq: f.seq})
}

// Get returns the data and ETag stored at path.
func (f *Fake) Get(path string) (data, etag string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[path]
	if !ok {
		return "", "", false
	}
	return obj.data, obj.etag, true
}

// Len returns the number of items in a collection.
func (f *Fake) Len(collectionURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, obj := range f.objects {
		if obj.collection == collectionURL {
			n++
		}
	}
	return n
}

// ExpireTokens invalidates every sync token issued so far for a collection.
func (f *Fake) ExpireTokens(collectionURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredAt[collectionURL] = f.seq
}

// FailNext queues errors returned by the next calls of op. Ops are
// "discover", "token", "list", "fetch", "write" and "delete".
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes the call counters.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// enter counts a call and pops a queued failure. The caller must hold mu.
func (f *Fake) enter(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return &caldav.Error{Kind: caldav.KindTransient, Op: op, Err: err}
	}
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) DiscoverCollections(ctx context.Context) ([]caldav.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "discover"); err != nil {
		return nil, err
	}
	return append([]caldav.Collection(nil), f.collections...), nil
}

func (f *Fake) CollectionToken(ctx context.Context, collectionURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "token"); err != nil {
		return "", err
	}
	return "ctag-" + strconv.Itoa(f.lastSeq(collectionURL)), nil
}

func (f *Fake) lastSeq(collectionURL string) int {
	last := 0
	for _, obj := range f.objects {
		if obj.collection == collectionURL && obj.seq > last {
			last = obj.seq
		}
	}
	for _, r := range f.removals {
		if r.collection == collectionURL && r.seq > last {
			last = r.seq
		}
	}
	return last
}

func (f *Fake) ListChanges(ctx context.Context, collectionURL, sinceToken string) (*caldav.Changes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}

	token := "sync-" + strconv.Itoa(f.seq)
	if sinceToken == "" || f.NoSyncTokens {
		changes := &caldav.Changes{Full: true, Token: token}
		for path, obj := range f.objects {
			if obj.collection == collectionURL {
				changes.Items = append(changes.Items, caldav.ItemRef{Path: path, ETag: obj.etag})
			}
		}
		sortRefs(changes.Items)
		return changes, nil
	}

	since, err := strconv.Atoi(strings.TrimPrefix(sinceToken, "sync-"))
	if err != nil || since <= f.expiredAt[collectionURL] && f.expiredAt[collectionURL] > 0 {
		return nil, &caldav.Error{Kind: caldav.KindTokenInvalidated, Op: "list", Status: 403, Err: caldav.ErrSyncTokenInvalid}
	}

	changes := &caldav.Changes{Token: token}
	for path, obj := range f.objects {
		if obj.collection == collectionURL && obj.seq > since {
			changes.Items = append(changes.Items, caldav.ItemRef{Path: path, ETag: obj.etag})
		}
	}
	for _, r := range f.removals {
		if r.collection == collectionURL && r.seq > since {
			if _, back := f.objects[r.path]; !back {
				changes.Removed = append(changes.Removed, r.path)
			}
		}
	}
	sortRefs(changes.Items)
	sort.Strings(changes.Removed)
	return changes, nil
}

func (f *Fake) FetchItems(ctx context.Context, collectionURL string, paths []string, collector *caldav.MalformedEventCollector) ([]caldav.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "fetch"); err != nil {
		return nil, err
	}
	var items []caldav.Item
	for _, path := range paths {
		obj, ok := f.objects[path]
		if !ok {
			continue
		}
		items = append(items, caldav.Item{Path: path, ETag: obj.etag, Data: obj.data})
	}
	return items, nil
}

func (f *Fake) WriteItem(ctx context.Context, collectionURL string, item caldav.Item, expected mo.Option[string]) (caldav.ItemRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "write"); err != nil {
		return caldav.ItemRef{}, err
	}

	path := item.Path
	if path == "" {
		if item.UID == "" {
			return caldav.ItemRef{}, &caldav.Error{Kind: caldav.KindFatal, Op: "write", Err: fmt.Errorf("item has no path or uid")}
		}
		path = strings.TrimSuffix(collectionURL, "/") + "/" + item.UID + ".ics"
	}

	current, exists := f.objects[path]
	if want, ok := expected.Get(); ok {
		if !exists || current.etag != want {
			return caldav.ItemRef{}, &caldav.Error{Kind: caldav.KindConflict, Op: "write", Status: 412, Err: caldav.ErrPrecondition}
		}
	} else if exists && current.data != item.Data {
		return caldav.ItemRef{}, &caldav.Error{Kind: caldav.KindConflict, Op: "write", Status: 412, Err: caldav.ErrPrecondition}
	} else if exists {
		return caldav.ItemRef{Path: path, ETag: current.etag}, nil
	}

	etag := f.put(collectionURL, path, item.Data)
	return caldav.ItemRef{Path: path, ETag: etag}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, itemPath string, expected mo.Option[string]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "delete"); err != nil {
		return err
	}
	current, exists := f.objects[itemPath]
	if !exists {
		return nil
	}
	if want, ok := expected.Get(); ok && current.etag != want {
		return &caldav.Error{Kind: caldav.KindConflict, Op: "delete", Status: 412, Err: caldav.ErrPrecondition}
	}
	f.remove(itemPath)
	return nil
}

func sortRefs(refs []caldav.ItemRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
}

var _ caldav.Remote = (*Fake)(nil)
