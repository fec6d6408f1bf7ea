package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/order"
)

const (
	collectionActive = "active"
	collectionTrash  = "trash"

	metaHighWater = "high_water"
	metaSavedAt   = "saved_at"
)

// Snapshot is the cached copy of the engine's collections.
type Snapshot struct {
	Active    []order.Order
	Trash     []order.Order
	HighWater int
	SavedAt   time.Time
}

// SaveSnapshot replaces the cached snapshot in one transaction.
// Collection order is preserved.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_orders"); err != nil {
		return fmt.Errorf("save snapshot: clear orders: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_orders
		(collection, id, position, order_number, status, business_date, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			position = excluded.position,
			order_number = excluded.order_number,
			status = excluded.status,
			business_date = excluded.business_date,
			body = excluded.body
	`)
	if err != nil {
		return fmt.Errorf("save snapshot: prepare: %w", err)
	}
	defer stmt.Close()

	insert := func(collection string, orders []order.Order) error {
		for i, o := range orders {
			body, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("save snapshot: marshal order %s: %w", o.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, collection, o.ID, i, o.OrderNumber, string(o.Status), string(o.BusinessDate), string(body)); err != nil {
				return fmt.Errorf("save snapshot: insert order %s: %w", o.ID, err)
			}
		}
		return nil
	}
	if err := insert(collectionActive, snap.Active); err != nil {
		return err
	}
	if err := insert(collectionTrash, snap.Trash); err != nil {
		return err
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	meta := map[string]string{
		metaHighWater: strconv.Itoa(snap.HighWater),
		metaSavedAt:   savedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cache_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, v); err != nil {
			return fmt.Errorf("save snapshot: meta %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached snapshot. ok is false when nothing was
// ever saved. Rows whose body no longer decodes are skipped.
func (s *Store) LoadSnapshot(ctx context.Context) (snap Snapshot, ok bool, err error) {
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	savedAt, saved := meta[metaSavedAt]
	if !saved {
		return Snapshot{}, false, nil
	}

	if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		slog.Warn("cache saved_at unreadable", "value", savedAt, "error", err)
	}
	if snap.HighWater, err = strconv.Atoi(meta[metaHighWater]); err != nil {
		slog.Warn("cache high water unreadable", "value", meta[metaHighWater], "error", err)
		snap.HighWater = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, body FROM cached_orders
		ORDER BY collection ASC, position ASC
	`)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: query: %w", err)
	}
	defer rows.Close()

	snap.Active = []order.Order{}
	snap.Trash = []order.Order{}
	for rows.Next() {
		var collection, id, body string
		if err := rows.Scan(&collection, &id, &body); err != nil {
			return Snapshot{}, false, fmt.Errorf("load snapshot: scan: %w", err)
		}
		var o order.Order
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			slog.Warn("skipping unreadable cached order", "id", id, "error", err)
			continue
		}
		o = o.Normalize()
		if o.OrderNumber > snap.HighWater {
			snap.HighWater = o.OrderNumber
		}
		if collection == collectionTrash {
			snap.Trash = append(snap.Trash, o)
		} else {
			snap.Active = append(snap.Active, o)
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: rows: %w", err)
	}

	return snap, true, nil
}

// Orders returns the cached orders of both collections tagged with day,
// ordered by order number. An empty day returns every cached order.
func (s *Store) Orders(ctx context.Context, day bizday.Day) ([]order.Order, error) {
	query := `SELECT id, body FROM cached_orders`
	var args []any
	if day != "" {
		query += ` WHERE business_date = ?`
		args = append(args, string(day))
	}
	query += ` ORDER BY order_number ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := []order.Order{}
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		var o order.Order
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			slog.Warn("skipping unreadable cached order", "id", id, "error", err)
			continue
		}
		orders = append(orders, o.Normalize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return orders, nil
}

func (s *Store) loadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM cache_meta`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// isNoRows reports whether err is sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
