package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/roach88/tabsync/internal/backend"
	"github.com/roach88/tabsync/internal/clocktime"
	"github.com/roach88/tabsync/internal/order"
	"github.com/roach88/tabsync/internal/pricing"
	"github.com/roach88/tabsync/internal/retry"
)

// Create assigns the next order number, appends o to the active collection
// and inserts it. Missing id, business date, start and end times are
// filled in. If the insert fails the order is removed again and its number
// released.
func (e *Engine) Create(ctx context.Context, o order.Order) (order.Order, error) {
	const op = "create"
	now := e.now()

	o = o.Normalize()
	if o.ID == "" {
		o.ID = e.ids.Generate()
	}
	if o.BusinessDate == "" {
		o.BusinessDate = e.cal.BusinessDateOf(now)
	}
	if o.StartTime == "" {
		o.StartTime = clocktime.Format(now)
	}
	if _, err := clocktime.Parse(o.StartTime, now); err != nil {
		return order.Order{}, newInvalidInput(op, o.ID, err)
	}
	if o.EndTime == "" {
		end, err := order.DeriveEndTime(o, now)
		if err != nil {
			return order.Order{}, newInvalidInput(op, o.ID, err)
		}
		o.EndTime = end
	} else if _, err := clocktime.Parse(o.EndTime, now); err != nil {
		return order.Order{}, newInvalidInput(op, o.ID, err)
	}
	if o.Guests < 0 {
		return order.Order{}, newInvalidInput(op, o.ID, fmt.Errorf("negative guest count %d", o.Guests))
	}
	o.Status = order.StatusActive
	o.PaymentMethod = ""
	o.PaymentDetails = nil
	o.TotalAmount = pricing.WithService(o)
	o.CreatedAt = now
	o.UpdatedAt = now

	e.mu.Lock()
	snap := e.snap.Load()
	if _, _, exists := snap.Find(o.ID); exists {
		e.mu.Unlock()
		return order.Order{}, newInvalidInput(op, o.ID, errors.New("duplicate order id"))
	}
	session := e.session
	o.OrderNumber = e.seq.Next()
	rev := e.ledger.Put(o.ID, order.AllFields, o, now)
	published := e.publish(snap.with(o, now))
	e.mu.Unlock()
	e.emit(published, true)
	slog.Debug("order created locally", "id", o.ID, "order_number", o.OrderNumber)

	err := e.persist(ctx, op, o.ID, func(ctx context.Context) error {
		row, err := order.ToRow(o)
		if err != nil {
			return retry.Permanent(err)
		}
		return e.orders.InsertOrder(ctx, row)
	})
	if err != nil {
		e.rollbackCreate(o, session)
		return order.Order{}, newPersistFailed(op, o.ID, err)
	}

	e.ledger.RemoveIfUnchanged(o.ID, rev)
	e.announce(ctx, backend.OpInsert, o.ID)
	return o, nil
}

func (e *Engine) rollbackCreate(o order.Order, session uint64) {
	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return
	}
	e.ledger.Remove(o.ID)
	released := e.seq.Release(o.OrderNumber)
	published := e.publish(e.snap.Load().without(o.ID))
	e.mu.Unlock()

	slog.Warn("create rolled back", "id", o.ID, "order_number", o.OrderNumber, "number_released", released)
	e.emit(published, true)
}

// Update replaces the caller-editable fields of an order with next's.
//
// The order number, status, payment, business date and timestamps belong to
// the engine and are carried over from the current copy. Changes to the
// input buffers alone are published without a backend call. If persisting
// fails the edit stays applied and pinned until its ledger entry expires.
func (e *Engine) Update(ctx context.Context, next order.Order) (order.Order, error) {
	return e.edit(ctx, "update", next.ID, func(order.Order, time.Time) (order.Order, error) {
		return next, nil
	})
}

// ShiftStart moves an order's start time to start and every later time
// (end time, extension end times) by the same number of minutes.
func (e *Engine) ShiftStart(ctx context.Context, id, start string) (order.Order, error) {
	return e.edit(ctx, "shift_start", id, func(cur order.Order, now time.Time) (order.Order, error) {
		if cur.StartTime == "" {
			next := cur.Clone()
			next.StartTime = start
			end, err := order.DeriveEndTime(next, now)
			if err != nil {
				return order.Order{}, err
			}
			next.EndTime = end
			return next, nil
		}
		delta, err := clocktime.DiffMinutes(cur.StartTime, start, now)
		if err != nil {
			return order.Order{}, err
		}
		return order.ShiftTimes(cur, delta, now)
	})
}

// AddExtension appends one paid extension for guests and moves the end
// time.
func (e *Engine) AddExtension(ctx context.Context, id string, guests int) (order.Order, error) {
	return e.edit(ctx, "add_extension", id, func(cur order.Order, now time.Time) (order.Order, error) {
		if guests <= 0 {
			return order.Order{}, fmt.Errorf("extension needs at least one guest, got %d", guests)
		}
		return order.AddExtension(cur, guests, now)
	})
}

// edit applies change to the current copy of id under the lock, publishes
// the result and persists the changed fields.
func (e *Engine) edit(ctx context.Context, op, id string, change func(cur order.Order, now time.Time) (order.Order, error)) (order.Order, error) {
	now := e.now()

	e.mu.Lock()
	snap := e.snap.Load()
	cur, where, ok := snap.Find(id)
	if !ok {
		e.mu.Unlock()
		return order.Order{}, newNotFound(op, id)
	}
	if where == InTrash {
		e.mu.Unlock()
		return order.Order{}, newInvalidTransition(op, id, string(cur.Status))
	}
	next, err := change(cur.Clone(), now)
	if err != nil {
		e.mu.Unlock()
		return order.Order{}, newInvalidInput(op, id, err)
	}
	next = carryEngineFields(cur, next.Normalize())

	fields := order.Diff(cur, next)
	if fields.Empty() {
		if sameTemps(cur, next) {
			e.mu.Unlock()
			return cur, nil
		}
		published := e.publish(snap.with(next, now))
		e.mu.Unlock()
		e.emit(published, true)
		return next, nil
	}

	rev := e.ledger.Put(id, fields, next, now)
	published := e.publish(snap.with(next, now))
	e.mu.Unlock()
	e.emit(published, true)
	slog.Debug("order edited locally", "op", op, "id", id, "fields", fields)

	err = e.persist(ctx, op, id, func(ctx context.Context) error {
		row, err := order.ToRow(next)
		if err != nil {
			return retry.Permanent(err)
		}
		return e.orders.UpdateOrder(ctx, row, fields)
	})
	if err != nil {
		slog.Warn("edit not confirmed, fields stay pinned until expiry",
			"op", op, "id", id, "fields", fields, "ttl", e.ledger.TTL(), "error", err)
		return order.Order{}, newPersistFailed(op, id, err)
	}

	e.ledger.RemoveIfUnchanged(id, rev)
	e.announce(ctx, backend.OpUpdate, id)
	return next, nil
}

// carryEngineFields copies the engine-owned fields of cur onto next. An
// active order's total follows its items; a completed one keeps the amount
// frozen at completion.
func carryEngineFields(cur, next order.Order) order.Order {
	next.ID = cur.ID
	next.OrderNumber = cur.OrderNumber
	next.Status = cur.Status
	next.PaymentMethod = cur.PaymentMethod
	next.PaymentDetails = cur.PaymentDetails
	next.BusinessDate = cur.BusinessDate
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = cur.UpdatedAt
	if cur.Status == order.StatusActive {
		next.TotalAmount = pricing.WithService(next)
	} else {
		next.TotalAmount = cur.TotalAmount
	}
	return next
}

func sameTemps(a, b order.Order) bool {
	return reflect.DeepEqual(a.TempCastDrink, b.TempCastDrink) &&
		reflect.DeepEqual(a.TempBottle, b.TempBottle) &&
		reflect.DeepEqual(a.TempFood, b.TempFood)
}

// Delete moves an active order to the trash.
func (e *Engine) Delete(ctx context.Context, id string) error {
	const op = "delete"
	_, err := e.transition(ctx, op, id, func(cur order.Order, where Collection, _ time.Time) (order.Order, error) {
		if where != InActive || cur.Status != order.StatusActive {
			return order.Order{}, newInvalidTransition(op, id, string(cur.Status))
		}
		cur.Status = order.StatusDeleted
		return cur, nil
	})
	return err
}

// Restore moves a trashed order back to the active collection. Only its
// status changes.
func (e *Engine) Restore(ctx context.Context, id string) error {
	const op = "restore"
	_, err := e.transition(ctx, op, id, func(cur order.Order, where Collection, _ time.Time) (order.Order, error) {
		if where != InTrash {
			return order.Order{}, newInvalidTransition(op, id, string(cur.Status))
		}
		cur.Status = order.StatusActive
		return cur, nil
	})
	return err
}

// Complete settles an active order. The total is frozen at the pricing
// finalization for method; a card fee the caller left at zero is computed.
func (e *Engine) Complete(ctx context.Context, id string, method order.PaymentMethod, details order.PaymentDetails) (order.Order, error) {
	const op = "complete"
	if !method.Valid() {
		return order.Order{}, newInvalidInput(op, id, fmt.Errorf("unknown payment method %q", method))
	}
	return e.transition(ctx, op, id, func(cur order.Order, where Collection, _ time.Time) (order.Order, error) {
		if where != InActive || cur.Status != order.StatusActive {
			return order.Order{}, newInvalidTransition(op, id, string(cur.Status))
		}
		if details.HasCardFee && details.CardFee == 0 {
			details.CardFee = cardFee(cur, method, details)
		}
		next := cur
		next.Status = order.StatusCompleted
		next.PaymentMethod = method
		next.PaymentDetails = &details
		next.TotalAmount = pricing.Finalize(cur, method, details)
		return next, nil
	})
}

func cardFee(o order.Order, method order.PaymentMethod, details order.PaymentDetails) int64 {
	switch method {
	case order.PaymentCard:
		return pricing.CardFee(pricing.WithService(o))
	case order.PaymentPartialCash:
		return pricing.CardFee(details.CardAmount)
	}
	return 0
}

// Reopen returns a completed order to active. Only orders of the current
// business day can be reopened; payment is cleared and the total follows
// the items again.
func (e *Engine) Reopen(ctx context.Context, id string) (order.Order, error) {
	const op = "reopen"
	return e.transition(ctx, op, id, func(cur order.Order, _ Collection, now time.Time) (order.Order, error) {
		if cur.Status != order.StatusCompleted {
			return order.Order{}, newInvalidTransition(op, id, string(cur.Status))
		}
		if today := e.cal.BusinessDateOf(now); cur.BusinessDate != today {
			return order.Order{}, &MutationError{
				Code:    ErrCodeDifferentBusinessDay,
				Op:      op,
				OrderID: id,
				Message: fmt.Sprintf("order belongs to business day %q, today is %s", cur.BusinessDate, today),
			}
		}
		next := cur
		next.Status = order.StatusActive
		next.PaymentMethod = ""
		next.PaymentDetails = nil
		next.TotalAmount = pricing.WithService(next)
		return next, nil
	})
}

// transition applies a status change optimistically and persists it. On
// failure the changed fields are restored, unless a newer local edit of
// the same order has superseded this one.
func (e *Engine) transition(ctx context.Context, op, id string, change func(cur order.Order, where Collection, now time.Time) (order.Order, error)) (order.Order, error) {
	now := e.now()

	e.mu.Lock()
	snap := e.snap.Load()
	cur, where, ok := snap.Find(id)
	if !ok {
		e.mu.Unlock()
		return order.Order{}, newNotFound(op, id)
	}
	next, err := change(cur.Clone(), where, now)
	if err != nil {
		e.mu.Unlock()
		return order.Order{}, err
	}
	fields := order.Diff(cur, next)
	session := e.session
	rev := e.ledger.Put(id, fields, next, now)
	published := e.publish(snap.with(next, now))
	e.mu.Unlock()
	e.emit(published, true)
	slog.Debug("transition applied locally", "op", op, "id", id, "status", next.Status)

	err = e.persist(ctx, op, id, func(ctx context.Context) error {
		row, err := order.ToRow(next)
		if err != nil {
			return retry.Permanent(err)
		}
		return e.orders.UpdateOrder(ctx, row, fields)
	})
	if err != nil {
		e.rollback(op, cur, fields, session, rev)
		return order.Order{}, newPersistFailed(op, id, err)
	}

	e.ledger.RemoveIfUnchanged(id, rev)
	e.announce(ctx, backend.OpUpdate, id)
	return next, nil
}

func (e *Engine) rollback(op string, before order.Order, fields order.FieldSet, session, rev uint64) {
	now := e.now()

	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return
	}
	if !e.ledger.RemoveIfUnchanged(before.ID, rev) {
		e.mu.Unlock()
		slog.Warn("rollback skipped, order changed again", "op", op, "id", before.ID)
		return
	}
	snap := e.snap.Load()
	cur, _, ok := snap.Find(before.ID)
	if !ok {
		e.mu.Unlock()
		return
	}
	published := e.publish(snap.with(order.Overlay(cur, before, fields), now))
	e.mu.Unlock()

	slog.Warn("transition rolled back", "op", op, "id", before.ID, "fields", fields, "status", before.Status)
	e.emit(published, true)
}

// Purge permanently deletes a trashed order. The order leaves the trash
// at once; if the backend delete fails it is put back.
func (e *Engine) Purge(ctx context.Context, id string) error {
	const op = "purge"
	now := e.now()

	e.mu.Lock()
	snap := e.snap.Load()
	cur, where, ok := snap.Find(id)
	if !ok {
		e.mu.Unlock()
		return newNotFound(op, id)
	}
	if where != InTrash {
		e.mu.Unlock()
		return newInvalidTransition(op, id, string(cur.Status))
	}
	session := e.session
	e.purging[id] = struct{}{}
	e.ledger.Remove(id)
	published := e.publish(snap.without(id))
	e.mu.Unlock()
	e.emit(published, true)

	err := e.persist(ctx, op, id, func(ctx context.Context) error {
		return e.orders.DeleteOrder(ctx, id)
	})

	e.mu.Lock()
	delete(e.purging, id)
	if err == nil {
		e.mu.Unlock()
		e.announce(ctx, backend.OpDelete, id)
		return nil
	}
	var restored *Snapshot
	if e.session == session {
		snap = e.snap.Load()
		if _, _, present := snap.Find(id); !present {
			restored = e.publish(snap.with(cur, now))
		}
	}
	e.mu.Unlock()

	slog.Warn("purge failed, order kept in trash", "id", id, "error", err)
	if restored != nil {
		e.emit(restored, true)
	}
	return newPersistFailed(op, id, err)
}
