package breaker

import (
	"context"
	"errors"

	"github.com/samber/mo"

	"github.com/macjediwizard/caldavsync/internal/caldav"
)

// guarded wraps a Remote so every call passes through a Breaker.
type guarded struct {
	remote  caldav.Remote
	breaker *Breaker
}

// Guard returns a Remote whose calls fail fast with a Transient error wrapping
// ErrOpen while b is open.
func Guard(remote caldav.Remote, b *Breaker) caldav.Remote {
	return &guarded{remote: remote, breaker: b}
}

func (g *guarded) before(op string) (Ticket, error) {
	t, err := g.breaker.Allow()
	if err != nil {
		return t, &caldav.Error{Kind: caldav.KindTransient, Op: op, Err: err}
	}
	return t, nil
}

func (g *guarded) after(t Ticket, err error) {
	if errors.Is(err, context.Canceled) {
		g.breaker.Abort(t)
		return
	}
	kind := caldav.KindOf(err)
	g.breaker.Record(t, kind == caldav.KindTransient || kind == caldav.KindRateLimited)
}

func (g *guarded) DiscoverCollections(ctx context.Context) ([]caldav.Collection, error) {
	t, err := g.before("discover")
	if err != nil {
		return nil, err
	}
	cols, err := g.remote.DiscoverCollections(ctx)
	g.after(t, err)
	return cols, err
}

func (g *guarded) CollectionToken(ctx context.Context, collectionURL string) (string, error) {
	t, err := g.before("collection token")
	if err != nil {
		return "", err
	}
	token, err := g.remote.CollectionToken(ctx, collectionURL)
	g.after(t, err)
	return token, err
}

func (g *guarded) ListChanges(ctx context.Context, collectionURL, sinceToken string) (*caldav.Changes, error) {
	t, err := g.before("list")
	if err != nil {
		return nil, err
	}
	changes, err := g.remote.ListChanges(ctx, collectionURL, sinceToken)
	g.after(t, err)
	return changes, err
}

func (g *guarded) FetchItems(ctx context.Context, collectionURL string, paths []string, collector *caldav.MalformedEventCollector) ([]caldav.Item, error) {
	t, err := g.before("fetch")
	if err != nil {
		return nil, err
	}
	items, err := g.remote.FetchItems(ctx, collectionURL, paths, collector)
	g.after(t, err)
	return items, err
}

func (g *guarded) WriteItem(ctx context.Context, collectionURL string, item caldav.Item, expected mo.Option[string]) (caldav.ItemRef, error) {
	t, err := g.before("write")
	if err != nil {
		return caldav.ItemRef{}, err
	}
	ref, err := g.remote.WriteItem(ctx, collectionURL, item, expected)
	g.after(t, err)
	return ref, err
}

func (g *guarded) DeleteItem(ctx context.Context, itemPath string, expected mo.Option[string]) error {
	t, err := g.before("delete")
	if err != nil {
		return err
	}
	err = g.remote.DeleteItem(ctx, itemPath, expected)
	g.after(t, err)
	return err
}
