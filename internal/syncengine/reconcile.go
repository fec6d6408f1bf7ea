package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/tabsync/internal/clocktime"
	"github.com/roach88/tabsync/internal/order"
)

// Reconcile fetches the whole order table and merges it into the local
// collections:
//
//  1. rows are decoded field by field; a malformed column defaults only
//     that field
//  2. for each fetched order an unexpired ledger entry overlays its pinned
//     fields (ledger wins); the local input buffers are kept either way
//  3. local orders missing from the fetch survive only while a ledger
//     entry still pins them (an insert not yet visible)
//  4. orders are partitioned by status and both collections replaced at once
//  5. the high-water mark becomes the largest number seen, never smaller
//
// A fetch failure leaves the collections untouched. A result overtaken by
// a newer reconciliation, a reset or teardown is discarded with ErrStale.
// One overtaken by a local mutation settling within the same session is
// discarded with ErrWriteSettled, and the caller should reconcile again.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	settled := e.settled.Load()
	gen := e.gen.Add(1)

	rows, err := e.orders.FetchOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch: %w", err)
	}
	fetched := make([]order.Order, 0, len(rows))
	for _, r := range rows {
		o, err := order.FromRow(r)
		if err != nil {
			slog.Warn("defaulted malformed order fields", "id", r.ID, "error", err)
		}
		fetched = append(fetched, o)
	}

	e.mu.Lock()
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("reconcile: %w: %w", ErrStale, err)
	}
	if e.gen.Load() != gen {
		wrote := e.session == session && e.settled.Load() != settled
		e.mu.Unlock()
		slog.Debug("discarding overtaken reconcile", "gen", gen, "write_settled", wrote)
		if wrote {
			return ErrWriteSettled
		}
		return ErrStale
	}
	prev := e.snap.Load()
	next := e.merge(prev, fetched, e.now())
	if sameSnapshot(prev, next) {
		e.mu.Unlock()
		slog.Debug("reconcile: no change", "version", prev.Version)
		return nil
	}
	published := e.publish(next)
	e.mu.Unlock()

	slog.Debug("reconciled",
		"version", published.Version,
		"active", len(published.Active),
		"trash", len(published.Trash),
		"high_water", published.HighWater)
	e.emit(published, true)
	return nil
}

// merge builds the next snapshot from prev and a fresh fetch. Caller holds mu.
func (e *Engine) merge(prev *Snapshot, fetched []order.Order, now time.Time) *Snapshot {
	if expired := e.ledger.Expire(now); len(expired) > 0 {
		slog.Debug("pending edits expired, backend wins", "ids", expired)
	}

	local := make(map[string]order.Order, len(prev.Active)+len(prev.Trash))
	for _, o := range prev.Active {
		local[o.ID] = o
	}
	for _, o := range prev.Trash {
		local[o.ID] = o
	}

	next := &Snapshot{Active: []order.Order{}, Trash: []order.Order{}, HighWater: prev.HighWater}
	place := func(o order.Order) {
		if o.Live() {
			next.Active = append(next.Active, o)
		} else {
			next.Trash = append(next.Trash, o)
		}
		if o.OrderNumber > next.HighWater {
			next.HighWater = o.OrderNumber
		}
	}

	seen := make(map[string]bool, len(fetched))
	for _, f := range fetched {
		if _, purging := e.purging[f.ID]; purging || seen[f.ID] {
			continue
		}
		seen[f.ID] = true

		merged := f
		if entry, ok := e.ledger.Get(f.ID, now); ok {
			merged = order.Overlay(f, entry.Value, entry.Fields)
		}
		if l, ok := local[f.ID]; ok {
			merged = withTemps(merged, l)
		}
		place(merged)
	}
	for id, l := range local {
		if seen[id] {
			continue
		}
		if _, ok := e.ledger.Get(id, now); ok {
			place(l)
		}
	}

	sortCollections(next, now)
	e.seq.Raise(next.HighWater)
	return next
}

// withTemps keeps the input buffers of the local copy; they never reach
// the backend.
func withTemps(dst, local order.Order) order.Order {
	c := local.Clone()
	dst.TempCastDrink = c.TempCastDrink
	dst.TempBottle = c.TempBottle
	dst.TempFood = c.TempFood
	return dst
}

func sameSnapshot(a, b *Snapshot) bool {
	return a.HighWater == b.HighWater && sameOrders(a.Active, b.Active) && sameOrders(a.Trash, b.Trash)
}

func sameOrders(a, b []order.Order) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID ||
			!order.Diff(x, y).Empty() ||
			!x.CreatedAt.Equal(y.CreatedAt) ||
			!x.UpdatedAt.Equal(y.UpdatedAt) ||
			!sameTemps(x, y) {
			return false
		}
	}
	return true
}

// sortCollections sorts the active collection by resolved start time and
// the trash by order number. Ties and unparsable start times fall back to
// order number, then id.
func sortCollections(s *Snapshot, now time.Time) {
	type startKey struct {
		at time.Time
		ok bool
	}
	keys := make(map[string]startKey, len(s.Active))
	for _, o := range s.Active {
		at, err := clocktime.Parse(o.StartTime, now)
		keys[o.ID] = startKey{at: at, ok: err == nil}
	}
	sort.SliceStable(s.Active, func(i, j int) bool {
		a, b := keys[s.Active[i].ID], keys[s.Active[j].ID]
		switch {
		case a.ok && b.ok && !a.at.Equal(b.at):
			return a.at.Before(b.at)
		case a.ok != b.ok:
			return a.ok
		}
		return byNumber(s.Active[i], s.Active[j])
	})
	sort.SliceStable(s.Trash, func(i, j int) bool {
		return byNumber(s.Trash[i], s.Trash[j])
	})
}

func byNumber(a, b order.Order) bool {
	if a.OrderNumber != b.OrderNumber {
		return a.OrderNumber < b.OrderNumber
	}
	return a.ID < b.ID
}
