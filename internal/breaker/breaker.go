// Package breaker implements the per-account circuit breaker that guards
// remote calendar calls.
package breaker

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned without touching the network while a circuit is open.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning.
type Config struct {
	Threshold   int
	Window      time.Duration
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultConfig opens after 5 failures in 30 seconds.
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		Window:      30 * time.Second,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

// bucket packs the Unix second it counts for into the high 32 bits and the
// failure count into the low 32 bits, so both change in one CAS.
type bucket struct {
	v atomic.Uint64
}

func packBucket(sec int64, failures uint32) uint64 {
	return uint64(uint32(sec))<<32 | uint64(failures)
}

func unpackBucket(v uint64) (sec int64, failures uint32) {
	return int64(v >> 32), uint32(v)
}

// Ticket is handed out by Allow and passed back to Record or Abort. Only the
// ticket of the current half-open probe can close or reopen the circuit.
type Ticket struct {
	probe bool
	gen   uint64
}

// Breaker counts failures in a sliding window of one-second buckets. All state
// lives in atomics so concurrent runs on the same account never take a lock.
type Breaker struct {
	name    string
	cfg     Config
	buckets []bucket

	state     atomic.Int32
	openUntil atomic.Int64
	cooldown  atomic.Int64
	// probeGen numbers half-open probes.
	probeGen atomic.Uint64

	now func() time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Window < time.Second {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}

	b := &Breaker{
		name:    name,
		cfg:     cfg,
		buckets: make([]bucket, int(cfg.Window/time.Second)),
		now:     time.Now,
	}
	b.cooldown.Store(int64(cfg.Cooldown))
	return b
}

// State returns the current state, reporting an expired Open as HalfOpen.
func (b *Breaker) State() State {
	s := State(b.state.Load())
	if s == Open && b.now().UnixNano() >= b.openUntil.Load() {
		return HalfOpen
	}
	return s
}

// OpenUntil returns when an open circuit will admit a probe.
func (b *Breaker) OpenUntil() time.Time {
	if State(b.state.Load()) != Open {
		return time.Time{}
	}
	return time.Unix(0, b.openUntil.Load())
}

// Allow reports whether a call may proceed. Once the cooldown has elapsed
// exactly one caller wins the transition to HalfOpen and gets the probe
// ticket.
func (b *Breaker) Allow() (Ticket, error) {
	switch State(b.state.Load()) {
	case Closed:
		return Ticket{}, nil
	case Open:
		if b.now().UnixNano() < b.openUntil.Load() {
			return Ticket{}, ErrOpen
		}
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			return Ticket{probe: true, gen: b.probeGen.Add(1)}, nil
		}
		return Ticket{}, ErrOpen
	default:
		return Ticket{}, ErrOpen
	}
}

// Record reports the outcome of an allowed call. failure must be true only for
// outage-type failures. Outcomes of calls admitted before the circuit opened
// are ignored once it is no longer closed.
func (b *Breaker) Record(t Ticket, failure bool) {
	if t.probe {
		if !b.isProbe(t) {
			return
		}
		if failure {
			next := min(time.Duration(b.cooldown.Load())*2, b.cfg.MaxCooldown)
			b.cooldown.Store(int64(next))
			b.trip(HalfOpen, next)
			return
		}
		if b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
			b.cooldown.Store(int64(b.cfg.Cooldown))
			b.reset()
			log.Printf("[Breaker] %s closed after successful probe", b.name)
		}
		return
	}

	if !failure || State(b.state.Load()) != Closed {
		return
	}
	if b.add() >= int64(b.cfg.Threshold) {
		b.trip(Closed, time.Duration(b.cooldown.Load()))
	}
}

// Abort gives up an allowed call without an outcome. A half-open probe that
// was cancelled hands the probe slot back immediately.
func (b *Breaker) Abort(t Ticket) {
	if t.probe && b.isProbe(t) {
		b.trip(HalfOpen, 0)
	}
}

func (b *Breaker) isProbe(t Ticket) bool {
	return State(b.state.Load()) == HalfOpen && b.probeGen.Load() == t.gen
}

func (b *Breaker) trip(from State, cooldown time.Duration) {
	b.openUntil.Store(b.now().Add(cooldown).UnixNano())
	if b.state.CompareAndSwap(int32(from), int32(Open)) {
		log.Printf("[Breaker] %s opened for %v", b.name, cooldown)
	}
}

// add records one failure and returns the failure count within the window.
// A bucket still holding an older second restarts at one.
func (b *Breaker) add() int64 {
	sec := int64(uint32(b.now().Unix()))
	bk := &b.buckets[sec%int64(len(b.buckets))]
	for {
		old := bk.v.Load()
		s, n := unpackBucket(old)
		if s != sec {
			n = 0
		}
		if bk.v.CompareAndSwap(old, packBucket(sec, n+1)) {
			break
		}
	}
	return b.failures(sec)
}

func (b *Breaker) failures(nowSec int64) int64 {
	var total int64
	oldest := nowSec - int64(len(b.buckets))
	for i := range b.buckets {
		if s, n := unpackBucket(b.buckets[i].v.Load()); s > oldest && s <= nowSec {
			total += int64(n)
		}
	}
	return total
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i].v.Store(0)
	}
}

// Snapshot is a point-in-time view of a breaker for status surfaces.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Registry holds one breaker per remote account.
type Registry struct {
	cfg      Config
	breakers sync.Map
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg}
}

// For returns the breaker for an account, creating it on first use.
func (r *Registry) For(accountID string) *Breaker {
	if b, ok := r.breakers.Load(accountID); ok {
		return b.(*Breaker)
	}
	b, _ := r.breakers.LoadOrStore(accountID, New(accountID, r.cfg))
	return b.(*Breaker)
}

// Remove drops an account's breaker, e.g. after disconnect.
func (r *Registry) Remove(accountID string) {
	r.breakers.Delete(accountID)
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(key, value any) bool {
		b := value.(*Breaker)
		out = append(out, Snapshot{Name: key.(string), State: b.State().String(), OpenUntil: b.OpenUntil()})
		return true
	})
	return out
}
