// Package postgres is the hosted order backend: a pgx connection pool over
// the "orders" table and a LISTEN/NOTIFY change feed fed by a row trigger.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/tabsync/internal/backend"
	"github.com/roach88/tabsync/internal/order"
	"github.com/roach88/tabsync/internal/retry"
)

//go:embed schema.sql
var schemaSQL string

const (
	// Table is the order table.
	Table = backend.OrdersTable
	// NotifyChannel is the channel the orders trigger notifies.
	NotifyChannel = "orders_changes"
)

// Client talks to the order table.
type Client struct {
	pool *pgxpool.Pool
}

// Option configures the pool.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) Option {
	return func(cfg *pgxpool.Config) {
		if n > 0 {
			cfg.MaxConns = n
		}
	}
}

// WithApplicationName labels this client's sessions in pg_stat_activity.
func WithApplicationName(name string) Option {
	return func(cfg *pgxpool.Config) {
		if name != "" {
			cfg.ConnConfig.RuntimeParams["application_name"] = name
		}
	}
}

// Connect opens a pool and checks it with a ping.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Client, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{pool: pool}, nil
}

// Close releases every connection.
func (c *Client) Close() {
	c.pool.Close()
}

// Migrate creates the order table, its index and the notify trigger.
// Safe to run repeatedly.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Invalidate drops every pooled connection so the next attempt starts on
// a fresh session.
func (c *Client) Invalidate(context.Context) {
	slog.Debug("resetting postgres pool")
	c.pool.Reset()
}

func (c *Client) FetchOrders(ctx context.Context) ([]order.Row, error) {
	rows, err := c.pool.Query(ctx, selectSQL())
	if err != nil {
		return nil, classify("fetch orders", err)
	}
	defer rows.Close()

	var out []order.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, classify("fetch orders: scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch orders", err)
	}
	return out, nil
}

func (c *Client) InsertOrder(ctx context.Context, row order.Row) error {
	query, args, err := insertSQL(row)
	if err != nil {
		return retry.Permanent(fmt.Errorf("insert order %s: %w", row.ID, err))
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return classify("insert order "+row.ID, err)
	}
	return nil
}

func (c *Client) UpdateOrder(ctx context.Context, row order.Row, fields order.FieldSet) error {
	query, args, err := updateSQL(row, fields)
	if err != nil {
		return retry.Permanent(fmt.Errorf("update order %s: %w", row.ID, err))
	}
	tag, err := c.pool.Exec(ctx, query, args...)
	if err != nil {
		return classify("update order "+row.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return retry.Permanent(fmt.Errorf("update order %s: %w", row.ID, backend.ErrNotFound))
	}
	return nil
}

func (c *Client) DeleteOrder(ctx context.Context, id string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM `+Table+` WHERE id = $1`, id); err != nil {
		return classify("delete order "+id, err)
	}
	return nil
}

// Subscribe listens on NotifyChannel with a dedicated connection. The
// channel closes when ctx ends or the connection fails; the connection is
// then discarded rather than returned to the pool.
func (c *Client) Subscribe(ctx context.Context) (<-chan backend.Event, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("listen: acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	slog.Info("listening for order changes", "channel", NotifyChannel)

	out := make(chan backend.Event, 16)
	go func() {
		defer close(out)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = conn.Hijack().Close(closeCtx)
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("order change feed stopped", "error", err)
				}
				return
			}
			ev, err := decodeNotification(n.Payload)
			if err != nil {
				slog.Warn("unreadable order notification", "payload", n.Payload, "error", err)
				ev = backend.Event{Table: Table}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeNotification(payload string) (backend.Event, error) {
	var ev backend.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return backend.Event{}, fmt.Errorf("decode notification: %w", err)
	}
	if ev.Table == "" {
		ev.Table = Table
	}
	return ev, nil
}

// classify wraps err, marking failures a retry cannot fix as permanent:
// data exceptions (22), integrity violations (23), auth failures (28),
// syntax or access errors (42) and unsupported features (0A).
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "28", "42", "0A":
			return retry.Permanent(wrapped)
		}
	}
	return wrapped
}

func selectSQL() string {
	return `SELECT ` + strings.Join(order.Columns, ", ") + ` FROM ` + Table + ` ORDER BY order_number ASC, id ASC`
}

func scanRow(rows pgx.Rows) (order.Row, error) {
	var (
		r                                                    order.Row
		extensions, menus, castDrinks, bottles, foods, pdets []byte
	)
	dest := map[string]any{
		"id":              &r.ID,
		"order_number":    &r.OrderNumber,
		"table_type":      &r.TableType,
		"table_num":       &r.TableNum,
		"guests":          &r.Guests,
		"start_time":      &r.StartTime,
		"end_time":        &r.EndTime,
		"duration":        &r.Duration,
		"customer_name":   &r.CustomerName,
		"catch_casts":     &r.CatchCasts,
		"referral_casts":  &r.ReferralCasts,
		"extensions":      &extensions,
		"menus":           &menus,
		"cast_drinks":     &castDrinks,
		"bottles":         &bottles,
		"foods":           &foods,
		"drink_type":      &r.DrinkType,
		"drink_price":     &r.DrinkPrice,
		"karaoke_count":   &r.KaraokeCount,
		"note":            &r.Note,
		"total_amount":    &r.TotalAmount,
		"status":          &r.Status,
		"payment_method":  &r.PaymentMethod,
		"payment_details": &pdets,
		"business_date":   &r.BusinessDate,
		"created_at":      &r.CreatedAt,
		"updated_at":      &r.UpdatedAt,
	}
	targets := make([]any, len(order.Columns))
	for i, col := range order.Columns {
		t, ok := dest[col]
		if !ok {
			return order.Row{}, fmt.Errorf("no scan target for column %q", col)
		}
		targets[i] = t
	}
	if err := rows.Scan(targets...); err != nil {
		return order.Row{}, err
	}
	r.Extensions = extensions
	r.Menus = menus
	r.CastDrinks = castDrinks
	r.Bottles = bottles
	r.Foods = foods
	r.PaymentDetails = pdets
	return r, nil
}

// insertSQL writes every column of row. A NULL created_at falls back to
// the server clock; updated_at always does.
func insertSQL(row order.Row) (string, []any, error) {
	var (
		cols, placeholders []string
		args               []any
	)
	for _, col := range order.Columns {
		if col == "updated_at" {
			continue
		}
		v, err := row.Value(col)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		cols = append(cols, col)
		p := fmt.Sprintf("$%d", len(args))
		if col == "created_at" {
			p = fmt.Sprintf("COALESCE(%s, now())", p)
		}
		placeholders = append(placeholders, p)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return query, args, nil
}

// updateSQL writes the columns in fields and bumps updated_at.
func updateSQL(row order.Row, fields order.FieldSet) (string, []any, error) {
	if fields.Empty() {
		return "", nil, errors.New("no fields to update")
	}
	args := []any{row.ID}
	var sets []string
	for _, col := range fields.Columns() {
		v, err := row.Value(col)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, Table, strings.Join(sets, ", "))
	return query, args, nil
}

var (
	_ backend.Orders      = (*Client)(nil)
	_ backend.Feed        = (*Client)(nil)
	_ backend.Invalidator = (*Client)(nil)
)
