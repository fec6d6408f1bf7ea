package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tabsync/internal/backend"
	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/clock"
	"github.com/roach88/tabsync/internal/daily"
	"github.com/roach88/tabsync/internal/ledger"
	"github.com/roach88/tabsync/internal/order"
	"github.com/roach88/tabsync/internal/retry"
	"github.com/roach88/tabsync/internal/store"
)

// Cache is the local durable mirror of the collections.
// Implemented by *store.Store.
type Cache interface {
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
	LoadSnapshot(ctx context.Context) (store.Snapshot, bool, error)
}

// Collection says where an order lives.
type Collection int

const (
	InNone Collection = iota
	InActive
	InTrash
)

// Snapshot is one published state of the collections.
//
// Snapshots are immutable once published: callers must not modify the
// slices or the orders in them.
type Snapshot struct {
	// Active holds active and completed orders sorted by resolved start
	// time, then order number.
	Active []order.Order
	// Trash holds deleted orders sorted by order number.
	Trash []order.Order
	// HighWater is the highest order number seen this session. It never
	// decreases until the next business-day reset.
	HighWater int
	// Version increases with every published change.
	Version uint64
}

// Find returns the order with id and the collection it is in.
func (s Snapshot) Find(id string) (order.Order, Collection, bool) {
	for _, o := range s.Active {
		if o.ID == id {
			return o, InActive, true
		}
	}
	for _, o := range s.Trash {
		if o.ID == id {
			return o, InTrash, true
		}
	}
	return order.Order{}, InNone, false
}

// OnDay returns the active-collection orders tagged with day.
func (s Snapshot) OnDay(day bizday.Day) []order.Order {
	var out []order.Order
	for _, o := range s.Active {
		if o.BusinessDate == day {
			out = append(out, o)
		}
	}
	return out
}

// without returns a copy of s with id removed from both collections.
func (s *Snapshot) without(id string) *Snapshot {
	next := &Snapshot{HighWater: s.HighWater, Version: s.Version}
	next.Active = make([]order.Order, 0, len(s.Active))
	for _, o := range s.Active {
		if o.ID != id {
			next.Active = append(next.Active, o)
		}
	}
	next.Trash = make([]order.Order, 0, len(s.Trash))
	for _, o := range s.Trash {
		if o.ID != id {
			next.Trash = append(next.Trash, o)
		}
	}
	return next
}

// with returns a copy of s with o placed in the collection its status
// selects, replacing any previous copy.
func (s *Snapshot) with(o order.Order, now time.Time) *Snapshot {
	next := s.without(o.ID)
	if o.Live() {
		next.Active = append(next.Active, o)
	} else {
		next.Trash = append(next.Trash, o)
	}
	if o.OrderNumber > next.HighWater {
		next.HighWater = o.OrderNumber
	}
	sortCollections(next, now)
	return next
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache mirrors every published snapshot to c and lets Hydrate load
// from it.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithAnnouncer tells other clients about every confirmed mutation.
func WithAnnouncer(a backend.Announcer) Option {
	return func(e *Engine) { e.announcer = a }
}

// WithRetry replaces the default persistence retry policy. A policy without
// a clock uses the engine's clock; one without Invalidate uses the
// backend's, if it has one.
func WithRetry(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithClock sets the clock used for timestamps, timers and retry waits.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithCalendar sets the business-day calendar.
func WithCalendar(cal bizday.Calendar) Option {
	return func(e *Engine) { e.cal = cal }
}

// WithIDs sets the order id generator.
func WithIDs(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLedgerTTL sets how long unconfirmed edits stay pinned.
//
// Default: ledger.DefaultTTL (30s).
func WithLedgerTTL(d time.Duration) Option {
	return func(e *Engine) { e.ledgerTTL = d }
}

// Engine owns the active and trash collections.
//
// Thread-safety model:
//   - Snapshot(): lock-free, safe from any goroutine
//   - mutations, Reconcile, Hydrate, Reset: safe from any goroutine; state
//     changes are serialized by mu, backend calls run outside it
//   - watchers run on the goroutine that published the change, one at a
//     time, in version order
//
// INVARIANTS:
//   - an order id is in at most one collection
//   - the published snapshot is replaced, never modified
//   - HighWater and the sequence never decrease within a session
type Engine struct {
	orders    backend.Orders
	cache     Cache
	announcer backend.Announcer
	retry     retry.Policy
	clock     clock.Clock
	cal       bizday.Calendar
	ids       IDGenerator
	ledgerTTL time.Duration
	ledger    *ledger.Ledger
	seq       *Sequence

	mu      sync.Mutex
	snap    atomic.Pointer[Snapshot]
	gen     atomic.Uint64       // bumped by every reconcile start, settled mutation and reset
	settled atomic.Uint64       // bumped by every settled mutation, after gen
	session uint64              // bumped by Reset; guarded by mu
	purging map[string]struct{} // purges in flight; guarded by mu

	emitMu   sync.Mutex
	emitted  uint64
	watchMu  sync.Mutex
	watchers []watcher
	watchID  int
}

type watcher struct {
	id int
	fn func(Snapshot)
}

// New creates an engine over orders with empty collections.
func New(orders backend.Orders, opts ...Option) *Engine {
	e := &Engine{
		orders:  orders,
		retry:   retry.Default(),
		clock:   clock.System{},
		ids:     UUIDv7Generator{},
		seq:     NewSequence(),
		purging: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ledger = ledger.New(e.ledgerTTL)
	if e.retry.Clock == nil {
		e.retry.Clock = e.clock
	}
	if e.retry.Invalidate == nil {
		if inv, ok := orders.(backend.Invalidator); ok {
			e.retry.Invalidate = inv.Invalidate
		}
	}
	e.snap.Store(&Snapshot{Active: []order.Order{}, Trash: []order.Order{}})
	return e
}

// Snapshot returns the current collections.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// Calendar returns the engine's business-day calendar.
func (e *Engine) Calendar() bizday.Calendar { return e.cal }

// Today returns the business day that owns the current instant.
func (e *Engine) Today() bizday.Day {
	return e.cal.BusinessDateOf(e.now())
}

// DailySales summarizes the settled orders of the current business day
// as the engine sees them now, unconfirmed edits included.
func (e *Engine) DailySales() daily.Sales {
	day := e.Today()
	return daily.Summarize(day, e.Snapshot().OnDay(day))
}

// now is the current instant in the calendar's location, so HH:MM
// resolution sees the venue's wall clock.
func (e *Engine) now() time.Time {
	return e.cal.In(e.clock.Now())
}

// Watch registers fn to receive every published snapshot and returns a
// function that unregisters it. fn must not call back into the engine's
// mutations synchronously.
func (e *Engine) Watch(fn func(Snapshot)) (cancel func()) {
	e.watchMu.Lock()
	e.watchID++
	id := e.watchID
	e.watchers = append(e.watchers, watcher{id: id, fn: fn})
	e.watchMu.Unlock()

	return func() {
		e.watchMu.Lock()
		defer e.watchMu.Unlock()
		for i, w := range e.watchers {
			if w.id == id {
				e.watchers = append(e.watchers[:i:i], e.watchers[i+1:]...)
				return
			}
		}
	}
}

// publish stores next as the current snapshot. Caller holds mu.
func (e *Engine) publish(next *Snapshot) *Snapshot {
	next.Version = e.snap.Load().Version + 1
	if next.Active == nil {
		next.Active = []order.Order{}
	}
	if next.Trash == nil {
		next.Trash = []order.Order{}
	}
	e.snap.Store(next)
	return next
}

// emit mirrors s to the cache and notifies watchers. Snapshots older than
// one already emitted are dropped, so a slow goroutine cannot roll the
// cache back.
func (e *Engine) emit(s *Snapshot, mirror bool) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if s.Version <= e.emitted {
		return
	}
	e.emitted = s.Version

	if mirror && e.cache != nil {
		err := e.cache.SaveSnapshot(context.Background(), store.Snapshot{
			Active:    s.Active,
			Trash:     s.Trash,
			HighWater: s.HighWater,
			SavedAt:   e.clock.Now(),
		})
		if err != nil {
			slog.Warn("cache mirror failed", "version", s.Version, "error", err)
		}
	}

	e.watchMu.Lock()
	ws := make([]watcher, len(e.watchers))
	copy(ws, e.watchers)
	e.watchMu.Unlock()
	for _, w := range ws {
		w.fn(*s)
	}
}

// Hydrate loads the cached collections so callers have a list before the
// first reconciliation. It does nothing if the engine already published
// state or nothing was cached.
func (e *Engine) Hydrate(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	cached, ok, err := e.cache.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	if !ok {
		slog.Debug("hydrate: cache empty")
		return nil
	}

	e.mu.Lock()
	if e.snap.Load().Version > 0 {
		e.mu.Unlock()
		slog.Debug("hydrate: engine already has state, skipping")
		return nil
	}
	next := &Snapshot{HighWater: cached.HighWater}
	for _, o := range append(cached.Active, cached.Trash...) {
		if o.Live() {
			next.Active = append(next.Active, o)
		} else {
			next.Trash = append(next.Trash, o)
		}
		if o.OrderNumber > next.HighWater {
			next.HighWater = o.OrderNumber
		}
	}
	sortCollections(next, e.now())
	e.seq.Raise(next.HighWater)
	published := e.publish(next)
	e.mu.Unlock()

	slog.Info("hydrated from cache",
		"active", len(published.Active),
		"trash", len(published.Trash),
		"high_water", published.HighWater,
		"saved_at", cached.SavedAt)
	e.emit(published, false)
	return nil
}

// Reset starts a new session: both collections, the pending ledger, purges
// in flight and the order sequence are dropped, and any reconciliation or
// mutation still in flight is ignored when it settles.
func (e *Engine) Reset() {
	e.mu.Lock()
	prev := e.snap.Load()
	e.session++
	e.gen.Add(1)
	e.ledger.Clear()
	e.seq.Reset()
	clear(e.purging)
	published := e.publish(&Snapshot{})
	e.mu.Unlock()

	slog.Info("session reset",
		"dropped_active", len(prev.Active),
		"dropped_trash", len(prev.Trash),
		"high_water", prev.HighWater)
	e.emit(published, true)
}

// persist runs fn under the retry policy. Settling, successfully or not,
// invalidates every reconciliation that started before it.
func (e *Engine) persist(ctx context.Context, op, id string, fn func(ctx context.Context) error) error {
	err := e.retry.Do(ctx, op+" "+id, fn)
	e.gen.Add(1)
	e.settled.Add(1)
	return err
}

// announce tells other clients about a confirmed change. Failures are
// logged only: they rely on the change feed or polling instead.
func (e *Engine) announce(ctx context.Context, op backend.Op, id string) {
	if e.announcer == nil {
		return
	}
	ev := backend.Event{Table: backend.OrdersTable, Op: op, ID: id, At: e.clock.Now()}
	if err := e.announcer.Announce(ctx, ev); err != nil {
		slog.Warn("announce failed", "op", op, "id", id, "error", err)
	}
}
