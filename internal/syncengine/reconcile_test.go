package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabsync/internal/backend/memory"
	"github.com/roach88/tabsync/internal/order"
)

func seeded(id string, number int, start string, status order.Status) order.Order {
	return order.Order{
		ID:           id,
		OrderNumber:  number,
		TableType:    "counter",
		TableNum:     number,
		Guests:       1,
		StartTime:    start,
		Status:       status,
		BusinessDate: "2025-03-22",
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func ids(orders []order.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestReconcile_PartitionsAndSorts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.be.Seed(
		seeded("late", 1, "01:00", order.StatusActive),
		seeded("early", 3, "21:30", order.StatusCompleted),
		seeded("mid", 2, "23:00", order.StatusActive),
		seeded("gone-b", 5, "22:00", order.StatusDeleted),
		seeded("gone-a", 4, "22:30", order.StatusDeleted),
	))

	require.NoError(t, f.e.Reconcile(context.Background()))

	snap := f.e.Snapshot()
	assert.Equal(t, []string{"early", "mid", "late"}, ids(snap.Active), "01:00 belongs after midnight")
	assert.Equal(t, []string{"gone-a", "gone-b"}, ids(snap.Trash))
	assert.Equal(t, 5, snap.HighWater)
}

func TestReconcile_SameStartFallsBackToNumber(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.be.Seed(
		seeded("b", 2, "22:00", order.StatusActive),
		seeded("a", 1, "22:00", order.StatusActive),
		seeded("x", 3, "garbage", order.StatusActive),
	))

	require.NoError(t, f.e.Reconcile(context.Background()))
	assert.Equal(t, []string{"a", "b", "x"}, ids(f.e.Snapshot().Active), "unparsable start times sort last")
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.create(t)
	ctx := context.Background()

	require.NoError(t, f.e.Reconcile(ctx))
	first := f.e.Snapshot()

	require.NoError(t, f.e.Reconcile(ctx))
	second := f.e.Snapshot()

	assert.Equal(t, first.Version, second.Version, "unchanged backend publishes nothing")
	assert.Equal(t, first, second)
}

func TestReconcile_PicksUpRemoteChanges(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	remote := o
	remote.Note = "changed elsewhere"
	remote.Guests = 4
	require.NoError(t, f.be.Seed(remote))
	require.NoError(t, f.be.Seed(seeded("other-client", 2, "20:45", order.StatusActive)))

	require.NoError(t, f.e.Reconcile(context.Background()))

	got, _ := f.find(t, o.ID)
	assert.Equal(t, "changed elsewhere", got.Note)
	assert.Equal(t, 4, got.Guests)
	assert.Equal(t, []string{"other-client", o.ID}, ids(f.e.Snapshot().Active))
	assert.Equal(t, 2, f.e.Snapshot().HighWater)
}

func TestReconcile_HighWaterNeverDecreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.be.Seed(seeded("remote", 7, "21:00", order.StatusActive)))
	require.NoError(t, f.e.Reconcile(ctx))
	assert.Equal(t, 7, f.e.Snapshot().HighWater)

	o := f.create(t)
	assert.Equal(t, 8, o.OrderNumber, "numbering continues past remote orders")

	require.NoError(t, f.be.DeleteOrder(ctx, "remote"))
	require.NoError(t, f.be.DeleteOrder(ctx, o.ID))
	require.NoError(t, f.e.Reconcile(ctx))

	snap := f.e.Snapshot()
	assert.Empty(t, snap.Active, "unpinned orders missing from the fetch are dropped")
	assert.Equal(t, 8, snap.HighWater)
	assert.Equal(t, 9, f.create(t).OrderNumber)
}

func TestReconcile_KeepsInputBuffers(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	o.TempCastDrink = &order.TempCastDrink{Cast: "mika", Count: "2"}
	_, err := f.e.Update(context.Background(), o)
	require.NoError(t, err)

	remote, _ := f.be.Order(o.ID)
	remote.Note = "remote note"
	require.NoError(t, f.be.Seed(remote))
	require.NoError(t, f.e.Reconcile(context.Background()))

	got, _ := f.find(t, o.ID)
	assert.Equal(t, "remote note", got.Note)
	require.NotNil(t, got.TempCastDrink)
	assert.Equal(t, "mika", got.TempCastDrink.Cast)
}

func TestReconcile_FetchFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	before := f.e.Snapshot()
	f.be.FailNext(memory.OpFetch, errFlaky)

	err := f.e.Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, before, f.e.Snapshot())
}

func TestReconcile_DefaultsMalformedColumns(t *testing.T) {
	f := newFixture(t)
	number := int64(4)
	start := "22:15"
	status := "bogus"
	f.be.SeedRows(order.Row{
		ID:          "broken",
		OrderNumber: &number,
		StartTime:   &start,
		Status:      &status,
		Foods:       json.RawMessage(`{"not":"a list"`),
		Bottles:     json.RawMessage(`null`),
	})

	require.NoError(t, f.e.Reconcile(context.Background()))

	got, where := f.find(t, "broken")
	assert.Equal(t, InActive, where)
	assert.Equal(t, order.StatusActive, got.Status)
	assert.Equal(t, "22:15", got.StartTime)
	assert.Empty(t, got.Foods)
	assert.NotNil(t, got.Foods)
	assert.NotNil(t, got.Bottles)
	assert.Equal(t, 4, f.e.Snapshot().HighWater)
}

func TestReconcile_OvertakenResultDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.be.Seed(seeded("a", 1, "21:00", order.StatusActive)))

	nested := false
	f.be.OnFetch = func(ctx context.Context) {
		if nested {
			return
		}
		nested = true
		require.NoError(t, f.e.Reconcile(ctx))
	}

	err := f.e.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrStale)
	assert.NotErrorIs(t, err, ErrWriteSettled, "the newer reconcile already delivers")
	assert.Equal(t, uint64(1), f.e.Snapshot().Version, "only the newer reconcile published")
}

func TestReconcile_SettledMutationOvertakesFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := false
	f.be.OnFetch = func(context.Context) {
		if created {
			return
		}
		created = true
		f.create(t)
	}

	err := f.e.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, err, ErrWriteSettled, "the caller must fetch again")
	assert.Len(t, f.e.Snapshot().Active, 1)
}

func TestReconcile_ResetOvertakesFetch(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.be.OnFetch = func(context.Context) { f.e.Reset() }

	err := f.e.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrStale)
	assert.NotErrorIs(t, err, ErrWriteSettled)
	assert.Empty(t, f.e.Snapshot().Active, "the old session's rows are not restored")
}

func TestReconcile_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.be.OnFetch = func(context.Context) { cancel() }

	err := f.e.Reconcile(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStale) || errors.Is(err, context.Canceled))
	assert.Zero(t, f.e.Snapshot().Version)
}

// reconcileDuringRetry runs Reconcile from a fake timer that fires while the
// engine sleeps between persistence attempts, and hands the snapshot it
// produced to check.
func reconcileDuringRetry(t *testing.T, f *fixture, check func(Snapshot)) {
	t.Helper()
	f.clk.AfterFunc(500*time.Millisecond, func() {
		require.NoError(t, f.e.Reconcile(context.Background()))
		check(f.e.Snapshot())
	})
}

func TestReconcile_PendingEditWinsWhileInFlight(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	f.be.FailNext(memory.OpUpdate, errFlaky)

	var during order.Order
	reconcileDuringRetry(t, f, func(s Snapshot) {
		during, _, _ = s.Find(o.ID)
	})

	o.Note = "edited"
	_, err := f.e.Update(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, "edited", during.Note, "backend still had the old value, the ledger kept ours")
	stored, _ := f.be.Order(o.ID)
	assert.Equal(t, "edited", stored.Note)
}

func TestReconcile_UnconfirmedCreateSurvives(t *testing.T) {
	f := newFixture(t)
	f.be.FailNext(memory.OpInsert, errFlaky)

	var during []string
	reconcileDuringRetry(t, f, func(s Snapshot) { during = ids(s.Active) })

	o := f.create(t)
	assert.Equal(t, []string{o.ID}, during, "not yet in the backend but pinned by the ledger")
}

func TestReconcile_PurgeInFlightNotResurrected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t)
	require.NoError(t, f.e.Delete(ctx, o.ID))
	f.be.FailNext(memory.OpDelete, errFlaky)

	found := true
	reconcileDuringRetry(t, f, func(s Snapshot) {
		_, _, found = s.Find(o.ID)
	})

	require.NoError(t, f.e.Purge(ctx, o.ID))
	assert.False(t, found, "row still in the backend must not come back mid-purge")
	_, _, ok := f.e.Snapshot().Find(o.ID)
	assert.False(t, ok)
}

func TestReconcile_StatusTransitionShielded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t)
	f.be.FailNext(memory.OpUpdate, errFlaky)

	var where Collection
	reconcileDuringRetry(t, f, func(s Snapshot) {
		_, where, _ = s.Find(o.ID)
	})

	require.NoError(t, f.e.Delete(ctx, o.ID))
	assert.Equal(t, InTrash, where, "a fetched active row does not pull the order back mid-delete")
}
