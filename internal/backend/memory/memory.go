// Package memory is an in-process order backend. It honors the same
// contract as the postgres adapter, notifies subscribers on every write and
// can be told to fail upcoming calls.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tabsync/internal/backend"
	"github.com/roach88/tabsync/internal/order"
	"github.com/roach88/tabsync/internal/retry"
)

// Operation names accepted by FailNext and Calls.
const (
	OpFetch  = "fetch"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Backend is safe for concurrent use.
type Backend struct {
	mu            sync.Mutex
	rows          map[string]order.Row
	failures      map[string][]error
	calls         map[string]int
	invalidations int
	subs          map[chan backend.Event]struct{}
	now           func() time.Time

	// OnFetch, if set, runs at the start of every FetchOrders call,
	// outside the lock.
	OnFetch func(ctx context.Context)
}

// New returns an empty backend. now stamps created_at/updated_at; nil
// means time.Now.
func New(now func() time.Time) *Backend {
	if now == nil {
		now = time.Now
	}
	return &Backend{
		rows:     map[string]order.Row{},
		failures: map[string][]error{},
		calls:    map[string]int{},
		subs:     map[chan backend.Event]struct{}{},
		now:      now,
	}
}

// Seed stores orders directly, without notifying.
func (b *Backend) Seed(orders ...order.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range orders {
		r, err := order.ToRow(o)
		if err != nil {
			return err
		}
		b.rows[o.ID] = r
	}
	return nil
}

// SeedRows stores raw rows directly, without notifying. Rows are kept as
// given, malformed columns included.
func (b *Backend) SeedRows(rows ...order.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.rows[r.ID] = r
	}
}

// Orders returns the stored orders sorted by order number.
func (b *Backend) Orders() []order.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]order.Order, 0, len(b.rows))
	for _, r := range b.rows {
		o, _ := order.FromRow(r)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

// Order returns the stored order with id.
func (b *Backend) Order(id string) (order.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[id]
	if !ok {
		return order.Order{}, false
	}
	o, _ := order.FromRow(r)
	return o, true
}

// FailNext queues errors returned, in order, by the next calls of op.
func (b *Backend) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], errs...)
}

// Calls returns how many times op was called.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Invalidations returns how many times Invalidate ran.
func (b *Backend) Invalidations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidations
}

// Invalidate counts the call; there is no cache to drop.
func (b *Backend) Invalidate(context.Context) {
	b.mu.Lock()
	b.invalidations++
	b.mu.Unlock()
}

// begin records a call and pops a queued failure. Caller holds mu.
func (b *Backend) begin(op string) error {
	b.calls[op]++
	if q := b.failures[op]; len(q) > 0 {
		b.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (b *Backend) FetchOrders(ctx context.Context) ([]order.Row, error) {
	if b.OnFetch != nil {
		b.OnFetch(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpFetch); err != nil {
		return nil, err
	}
	rows := make([]order.Row, 0, len(b.rows))
	for _, r := range b.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (b *Backend) InsertOrder(ctx context.Context, row order.Row) error {
	b.mu.Lock()
	if err := b.begin(OpInsert); err != nil {
		b.mu.Unlock()
		return err
	}
	if _, exists := b.rows[row.ID]; exists {
		b.mu.Unlock()
		return retry.Permanent(fmt.Errorf("insert order %s: duplicate id", row.ID))
	}
	now := b.now()
	if row.CreatedAt == nil {
		row.CreatedAt = &now
	}
	row.UpdatedAt = &now
	b.rows[row.ID] = row
	b.mu.Unlock()

	b.Notify(backend.Event{Table: backend.OrdersTable, Op: backend.OpInsert, ID: row.ID, At: now})
	return nil
}

func (b *Backend) UpdateOrder(ctx context.Context, row order.Row, fields order.FieldSet) error {
	b.mu.Lock()
	if err := b.begin(OpUpdate); err != nil {
		b.mu.Unlock()
		return err
	}
	cur, ok := b.rows[row.ID]
	if !ok {
		b.mu.Unlock()
		return retry.Permanent(fmt.Errorf("update order %s: %w", row.ID, backend.ErrNotFound))
	}

	stored, _ := order.FromRow(cur)
	incoming, _ := order.FromRow(row)
	merged, err := order.ToRow(order.Overlay(stored, incoming, fields))
	if err != nil {
		b.mu.Unlock()
		return retry.Permanent(fmt.Errorf("update order %s: %w", row.ID, err))
	}
	now := b.now()
	merged.CreatedAt = cur.CreatedAt
	merged.UpdatedAt = &now
	b.rows[row.ID] = merged
	b.mu.Unlock()

	b.Notify(backend.Event{Table: backend.OrdersTable, Op: backend.OpUpdate, ID: row.ID, At: now})
	return nil
}

func (b *Backend) DeleteOrder(ctx context.Context, id string) error {
	b.mu.Lock()
	if err := b.begin(OpDelete); err != nil {
		b.mu.Unlock()
		return err
	}
	_, existed := b.rows[id]
	delete(b.rows, id)
	now := b.now()
	b.mu.Unlock()

	if existed {
		b.Notify(backend.Event{Table: backend.OrdersTable, Op: backend.OpDelete, ID: id, At: now})
	}
	return nil
}

// Subscribe implements backend.Feed.
func (b *Backend) Subscribe(ctx context.Context) (<-chan backend.Event, error) {
	ch := make(chan backend.Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Notify delivers ev to every subscriber. A subscriber whose buffer is
// full misses the event.
func (b *Backend) Notify(ev backend.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

var (
	_ backend.Orders      = (*Backend)(nil)
	_ backend.Feed        = (*Backend)(nil)
	_ backend.Invalidator = (*Backend)(nil)
)
