package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/daily"
)

// SavedSales is a stored daily summary with its bookkeeping.
type SavedSales struct {
	daily.Sales
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveDailySales upserts the summary for its business day, bumping the
// stored version, and returns what was written.
func (s *Store) SaveDailySales(ctx context.Context, sales daily.Sales, now time.Time) (SavedSales, error) {
	if _, err := bizday.ParseDay(string(sales.BusinessDate)); err != nil {
		return SavedSales{}, fmt.Errorf("save daily sales: %w", err)
	}
	body, err := json.Marshal(sales)
	if err != nil {
		return SavedSales{}, fmt.Errorf("save daily sales: marshal: %w", err)
	}

	var version int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO daily_sales (business_date, body, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(business_date) DO UPDATE SET
			body = excluded.body,
			version = daily_sales.version + 1,
			updated_at = excluded.updated_at
		RETURNING version
	`, string(sales.BusinessDate), string(body), now.UTC().Format(time.RFC3339Nano)).Scan(&version)
	if err != nil {
		return SavedSales{}, fmt.Errorf("save daily sales: %w", err)
	}

	return SavedSales{Sales: sales, Version: version, UpdatedAt: now.UTC()}, nil
}

// LoadDailySales returns the stored summary for day; ok is false when none
// has been saved.
func (s *Store) LoadDailySales(ctx context.Context, day bizday.Day) (saved SavedSales, ok bool, err error) {
	var body, updatedAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT body, version, updated_at FROM daily_sales WHERE business_date = ?
	`, string(day)).Scan(&body, &saved.Version, &updatedAt)
	if isNoRows(err) {
		return SavedSales{}, false, nil
	}
	if err != nil {
		return SavedSales{}, false, fmt.Errorf("load daily sales: %w", err)
	}

	if err := json.Unmarshal([]byte(body), &saved.Sales); err != nil {
		return SavedSales{}, false, fmt.Errorf("load daily sales: unmarshal: %w", err)
	}
	if saved.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return SavedSales{}, false, fmt.Errorf("load daily sales: updated_at: %w", err)
	}
	if saved.CastSales == nil {
		saved.CastSales = []daily.CastSales{}
	}
	return saved, true, nil
}
