package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macjediwizard/caldavsync/internal/caldav"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T) (*Breaker, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	b := New("acct", Config{Threshold: 5, Window: 30 * time.Second, Cooldown: 10 * time.Second, MaxCooldown: 40 * time.Second})
	b.now = c.Now
	return b, c
}

// trip records enough failures to open b.
func trip(b *Breaker) {
	for i := 0; i < b.cfg.Threshold; i++ {
		b.Record(Ticket{}, true)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, c := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		ticket, err := b.Allow()
		require.NoError(t, err)
		b.Record(ticket, true)
		c.Advance(time.Second)
	}
	assert.Equal(t, Closed, b.State())

	ticket, err := b.Allow()
	require.NoError(t, err)
	b.Record(ticket, true)
	assert.Equal(t, Open, b.State())
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerWindowSlides(t *testing.T) {
	b, c := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.Record(Ticket{}, true)
	}
	c.Advance(31 * time.Second)
	b.Record(Ticket{}, true)

	assert.Equal(t, Closed, b.State(), "failures outside the window must not count")
}

func TestBreakerSuccessDoesNotCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 20; i++ {
		b.Record(Ticket{}, false)
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreakerConcurrentFailuresAllCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.cfg.Threshold = 1000

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Record(Ticket{}, true)
			}
		}()
	}
	wg.Wait()

	sec := int64(uint32(b.now().Unix()))
	assert.Equal(t, int64(400), b.failures(sec), "no failure is lost to a bucket reset")
}

func TestBreakerBucketRestartsOnNewSecond(t *testing.T) {
	b, c := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.Record(Ticket{}, true)
	}
	// Same slot, one full window later.
	c.Advance(30 * time.Second)
	b.Record(Ticket{}, true)

	sec := int64(uint32(b.now().Unix()))
	assert.Equal(t, int64(1), b.failures(sec))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(t)
	trip(b)
	require.Equal(t, Open, b.State())

	c.Advance(11 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err, "first caller after cooldown becomes the probe")
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen, "only one probe at a time")

	b.Record(probe, false)
	assert.Equal(t, Closed, b.State())
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreakerOnlyProbeClosesCircuit(t *testing.T) {
	b, c := newTestBreaker(t)

	// Admitted while closed, finishes after the circuit opened.
	late, err := b.Allow()
	require.NoError(t, err)
	trip(b)
	c.Advance(11 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)

	b.Record(late, false)
	assert.Equal(t, HalfOpen, b.State(), "a success from before the trip must not close the circuit")
	b.Record(late, true)
	assert.Equal(t, HalfOpen, b.State(), "a failure from before the trip must not reopen it")

	b.Record(probe, false)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerStaleProbeIsIgnored(t *testing.T) {
	b, c := newTestBreaker(t)
	trip(b)
	c.Advance(11 * time.Second)
	first, err := b.Allow()
	require.NoError(t, err)
	b.Abort(first)

	second, err := b.Allow()
	require.NoError(t, err)
	b.Record(first, true)
	assert.Equal(t, HalfOpen, b.State(), "an earlier probe cannot reopen the circuit")

	b.Record(second, false)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerCooldownDoubles(t *testing.T) {
	b, c := newTestBreaker(t)
	trip(b)

	expected := []time.Duration{20 * time.Second, 40 * time.Second, 40 * time.Second}
	for _, want := range expected {
		c.Advance(time.Duration(b.cooldown.Load()) + time.Second)
		probe, err := b.Allow()
		require.NoError(t, err)
		b.Record(probe, true)
		assert.Equal(t, want, time.Duration(b.cooldown.Load()))
		assert.Equal(t, Open, b.State())
	}

	c.Advance(41 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)
	b.Record(probe, false)
	assert.Equal(t, 10*time.Second, time.Duration(b.cooldown.Load()), "cooldown resets once closed")
}

func TestBreakerAbortReleasesProbe(t *testing.T) {
	b, c := newTestBreaker(t)
	trip(b)
	c.Advance(11 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)

	b.Abort(Ticket{})
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen, "only the probe can hand the slot back")

	b.Abort(probe)
	_, err = b.Allow()
	assert.NoError(t, err, "a cancelled probe hands the slot back")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.For("a")
	assert.Same(t, a, r.For("a"))
	assert.NotSame(t, a, r.For("b"))
	assert.Len(t, r.Snapshots(), 2)

	r.Remove("a")
	assert.NotSame(t, a, r.For("a"))
}

func TestRegistryConcurrentFor(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	var wg sync.WaitGroup
	got := make([]*Breaker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.For("shared")
		}(i)
	}
	wg.Wait()
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}

// countingRemote fails every call with a fixed error and counts calls.
type countingRemote struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRemote) hit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRemote) DiscoverCollections(context.Context) ([]caldav.Collection, error) {
	return nil, r.hit()
}

func (r *countingRemote) CollectionToken(context.Context, string) (string, error) {
	return "", r.hit()
}

func (r *countingRemote) ListChanges(context.Context, string, string) (*caldav.Changes, error) {
	return nil, r.hit()
}

func (r *countingRemote) FetchItems(context.Context, string, []string, *caldav.MalformedEventCollector) ([]caldav.Item, error) {
	return nil, r.hit()
}

func (r *countingRemote) WriteItem(context.Context, string, caldav.Item, mo.Option[string]) (caldav.ItemRef, error) {
	return caldav.ItemRef{}, r.hit()
}

func (r *countingRemote) DeleteItem(context.Context, string, mo.Option[string]) error {
	return r.hit()
}

func TestGuardFailsFastWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	remote := &countingRemote{err: &caldav.Error{Kind: caldav.KindTransient, Op: "list", Status: 503, Err: errors.New("down")}}
	g := Guard(remote, b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.CollectionToken(ctx, "/cal/")
		require.Error(t, err)
	}
	require.Equal(t, 5, remote.calls)
	require.Equal(t, Open, b.State())

	_, err := g.ListChanges(ctx, "/cal/", "")
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, caldav.KindTransient, caldav.KindOf(err))
	assert.Equal(t, 5, remote.calls, "open circuit must not reach the network")
}

func TestGuardIgnoresConflicts(t *testing.T) {
	b, _ := newTestBreaker(t)
	remote := &countingRemote{err: &caldav.Error{Kind: caldav.KindConflict, Op: "write", Status: 412, Err: errors.New("etag")}}
	g := Guard(remote, b)

	for i := 0; i < 10; i++ {
		_, err := g.WriteItem(context.Background(), "/cal/", caldav.Item{}, mo.Some("x"))
		require.Error(t, err)
	}
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 10, remote.calls)
}

func TestGuardIgnoresCancellation(t *testing.T) {
	b, _ := newTestBreaker(t)
	remote := &countingRemote{err: context.Canceled}
	g := Guard(remote, b)

	for i := 0; i < 10; i++ {
		_ = g.DeleteItem(context.Background(), "/cal/a.ics", mo.None[string]())
	}
	assert.Equal(t, Closed, b.State())
}
