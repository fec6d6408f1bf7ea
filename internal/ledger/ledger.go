// Package ledger records local edits that have not yet been confirmed by
// the backend.
//
// While an entry is younger than the ledger's TTL, reconciliation treats the
// pinned fields as authoritative and overlays them onto whatever the backend
// returned. Once the TTL passes the entry is abandoned and backend state wins.
//
// The ledger uses copy-on-write: every change publishes a fresh map, so a
// concurrent reader always sees a whole before-or-after view.
package ledger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tabsync/internal/order"
)

// DefaultTTL is how long an unconfirmed edit stays pinned.
const DefaultTTL = 30 * time.Second

// Entry is one pending local edit.
type Entry struct {
	// Fields are the fields pinned to Value.
	Fields order.FieldSet
	// Value is the locally applied order; only Fields are read from it.
	Value order.Order
	// CreatedAt is when the most recent edit was applied.
	CreatedAt time.Time
	// Rev increases with every Put on the ledger.
	Rev uint64
}

// Expired reports whether e is older than ttl at now.
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(e.CreatedAt.Add(ttl))
}

// Ledger maps order ids to pending entries.
//
// Thread-safety: all methods are safe for concurrent use. Writers are
// serialized by a mutex; readers load the published map without locking.
type Ledger struct {
	ttl     time.Duration
	mu      sync.Mutex
	rev     uint64
	entries atomic.Pointer[map[string]Entry]
}

// New creates an empty ledger. A non-positive ttl means DefaultTTL.
func New(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &Ledger{ttl: ttl}
	empty := map[string]Entry{}
	l.entries.Store(&empty)
	return l
}

// TTL returns the pinning window.
func (l *Ledger) TTL() time.Duration { return l.ttl }

func (l *Ledger) load() map[string]Entry {
	return *l.entries.Load()
}

// update copies the current map, applies fn and publishes the result.
func (l *Ledger) update(fn func(m map[string]Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.load()
	next := make(map[string]Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	l.entries.Store(&next)
}

// Put pins fields of value for id at now and returns the entry's revision.
// If id already has a live entry the field sets are merged, the value
// replaced and the timestamp refreshed, so earlier unconfirmed fields stay
// pinned alongside the new ones. An expired entry is replaced outright.
func (l *Ledger) Put(id string, fields order.FieldSet, value order.Order, now time.Time) uint64 {
	var rev uint64
	l.update(func(m map[string]Entry) {
		if prev, ok := m[id]; ok && !prev.Expired(now, l.ttl) {
			fields |= prev.Fields
		}
		l.rev++
		rev = l.rev
		m[id] = Entry{Fields: fields, Value: value.Clone(), CreatedAt: now, Rev: rev}
	})
	return rev
}

// Get returns the entry for id if it exists and has not expired at now.
func (l *Ledger) Get(id string, now time.Time) (Entry, bool) {
	e, ok := l.load()[id]
	if !ok || e.Expired(now, l.ttl) {
		return Entry{}, false
	}
	return e, true
}

// Remove drops the entry for id, typically once the backend confirms it.
func (l *Ledger) Remove(id string) {
	if _, ok := l.load()[id]; !ok {
		return
	}
	l.update(func(m map[string]Entry) { delete(m, id) })
}

// RemoveIfUnchanged drops the entry for id only if it is still at rev.
// A confirmation for an older edit must not clear a newer one.
func (l *Ledger) RemoveIfUnchanged(id string, rev uint64) bool {
	removed := false
	l.update(func(m map[string]Entry) {
		if e, ok := m[id]; ok && e.Rev == rev {
			delete(m, id)
			removed = true
		}
	})
	return removed
}

// Expire drops every entry that has expired at now and returns their ids.
func (l *Ledger) Expire(now time.Time) []string {
	var expired []string
	for id, e := range l.load() {
		if e.Expired(now, l.ttl) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	l.update(func(m map[string]Entry) {
		for _, id := range expired {
			if e, ok := m[id]; ok && e.Expired(now, l.ttl) {
				delete(m, id)
			}
		}
	})
	return expired
}

// Len returns the number of entries, expired or not.
func (l *Ledger) Len() int { return len(l.load()) }

// Clear drops every entry.
func (l *Ledger) Clear() {
	l.update(func(m map[string]Entry) { clear(m) })
}
