package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabsync/internal/order"
	"github.com/roach88/tabsync/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	fixed := time.Date(2025, 3, 22, 12, 0, 0, 0, time.UTC) // 21:00 in Tokyo
	cmd := newRootCommand(&RootOptions{Now: func() time.Time { return fixed }})
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func assertGolden(t *testing.T, name, got string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(got))
}

func TestBizday_Golden(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bizday_open", []string{"bizday"}},
		{"bizday_closed", []string{"bizday", "--at", "2025-03-23T12:00:00+09:00"}},
		{"bizday_open_json", []string{"bizday", "--format", "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			assertGolden(t, tt.name, out)
		})
	}
}

func TestBizday_AfterMidnightBelongsToPreviousDay(t *testing.T) {
	out, err := execute(t, "bizday", "--format", "json", "--at", "2025-03-23T02:30:00+09:00")
	require.NoError(t, err)

	var resp struct {
		Data bizdayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "2025-03-22", resp.Data.BusinessDate.String())
	assert.True(t, resp.Data.WithinHours)
	assert.Equal(t, "6h30m0s", resp.Data.UntilClose)
}

func TestBizday_InvalidInstant(t *testing.T) {
	_, err := execute(t, "bizday", "--at", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"after midnight", []string{"remaining", "01:30", "--at", "2025-03-22T23:00:00+09:00"}, "2:30 left until 01:30\n"},
		{"ending soon", []string{"remaining", "22:00", "--at", "2025-03-22T21:55:00+09:00"}, "0:05 left until 22:00, ending soon\n"},
		{"custom warning", []string{"remaining", "22:00", "--at", "2025-03-22T21:55:00+09:00", "--warn", "3"}, "0:05 left until 22:00\n"},
		{"overtime", []string{"remaining", "22:00", "--at", "2025-03-22T22:10:00+09:00"}, "overtime by 0:10 (ended 22:00)\n"},
		{"default clock", []string{"remaining", "23:15"}, "2:15 left until 23:15\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRemaining_JSON(t *testing.T) {
	out, err := execute(t, "remaining", "22:00", "--at", "2025-03-22T22:10:00+09:00", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   remainingResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, remainingResult{End: "22:00", Now: "22:10", Remaining: "-0:10", Overtime: true}, resp.Data)
}

func TestRemaining_InvalidEnd(t *testing.T) {
	out, err := execute(t, "remaining", "26:00")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]: invalid end time")
}

// seedCache writes a snapshot holding two settled orders of 2025-03-22, one
// still open and one settled the day before.
func seedCache(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	cash := order.Order{
		ID: "a", OrderNumber: 1, Guests: 2, DrinkPrice: 3000,
		CastDrinks:    []order.CastDrink{{ID: 1, Cast: "Mika", Count: 2, Price: 2000}},
		CatchCasts:    []string{"Mika"},
		Status:        order.StatusCompleted,
		PaymentMethod: order.PaymentCash,
		TotalAmount:   9200,
		BusinessDate:  "2025-03-22",
	}
	card := order.Order{
		ID: "b", OrderNumber: 2, Guests: 3, DrinkPrice: 3000,
		Bottles:        []order.Bottle{{ID: 1, Name: "Champagne", Price: 20000, MainCasts: []string{"Rina"}}},
		CatchCasts:     []string{"Mika"},
		ReferralCasts:  []string{"Rina"},
		Status:         order.StatusCompleted,
		PaymentMethod:  order.PaymentCard,
		PaymentDetails: &order.PaymentDetails{HasCardFee: true, CardFee: 3335},
		TotalAmount:    36685,
		BusinessDate:   "2025-03-22",
	}
	open := order.Order{ID: "c", OrderNumber: 3, Guests: 4, DrinkPrice: 3000, Status: order.StatusActive, BusinessDate: "2025-03-22"}
	yesterday := cash
	yesterday.ID, yesterday.OrderNumber, yesterday.BusinessDate = "z", 9, "2025-03-21"

	require.NoError(t, st.SaveSnapshot(context.Background(), store.Snapshot{
		Active:    []order.Order{cash.Normalize(), card.Normalize(), open.Normalize(), yesterday.Normalize()},
		HighWater: 9,
	}))
	return path
}

func TestSummary_Golden(t *testing.T) {
	db := seedCache(t)

	out, err := execute(t, "summary", "--db", db)
	require.NoError(t, err)
	assertGolden(t, "summary", out)
}

func TestSummary_EmptyDay(t *testing.T) {
	db := seedCache(t)

	out, err := execute(t, "summary", "--db", db, "--date", "2025-03-10")
	require.NoError(t, err)
	assertGolden(t, "summary_empty", out)
}

func TestSummary_Save(t *testing.T) {
	db := seedCache(t)

	out, err := execute(t, "summary", "--db", db, "--save")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved as version 1.")

	out, err = execute(t, "summary", "--db", db, "--save", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data summaryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.SavedVersion)
	assert.Equal(t, int64(45885), resp.Data.TotalSales)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	saved, ok, err := st.LoadDailySales(context.Background(), "2025-03-22")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, saved.Version)
	assert.Equal(t, 2, saved.TotalGroups)
}

func TestSummary_InvalidDate(t *testing.T) {
	_, err := execute(t, "summary", "--db", filepath.Join(t.TempDir(), "cache.db"), "--date", "22/03/2025")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
