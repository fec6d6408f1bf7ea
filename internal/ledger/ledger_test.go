package ledger

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabsync/internal/order"
)

var t0 = time.Date(2025, 3, 22, 21, 0, 0, 0, time.UTC)

func TestNew_DefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, New(0).TTL())
	assert.Equal(t, time.Second, New(time.Second).TTL())
}

func TestPutGet(t *testing.T) {
	l := New(10 * time.Second)
	l.Put("a", order.FieldNote, order.Order{ID: "a", Note: "x"}, t0)

	e, ok := l.Get("a", t0.Add(9*time.Second))
	require.True(t, ok)
	assert.Equal(t, order.FieldNote, e.Fields)
	assert.Equal(t, "x", e.Value.Note)

	_, ok = l.Get("a", t0.Add(10*time.Second))
	assert.False(t, ok, "entry expires exactly at ttl")

	_, ok = l.Get("missing", t0)
	assert.False(t, ok)
}

func TestPut_MergesLiveEntry(t *testing.T) {
	l := New(10 * time.Second)
	l.Put("a", order.FieldNote, order.Order{ID: "a", Note: "x"}, t0)
	l.Put("a", order.FieldGuests, order.Order{ID: "a", Note: "x", Guests: 3}, t0.Add(5*time.Second))

	e, ok := l.Get("a", t0.Add(12*time.Second))
	require.True(t, ok, "second put refreshed the timestamp")
	assert.Equal(t, order.FieldNote|order.FieldGuests, e.Fields)
	assert.Equal(t, 3, e.Value.Guests)
}

func TestPut_ReplacesExpiredEntry(t *testing.T) {
	l := New(10 * time.Second)
	l.Put("a", order.FieldNote, order.Order{ID: "a"}, t0)
	l.Put("a", order.FieldGuests, order.Order{ID: "a"}, t0.Add(time.Minute))

	e, ok := l.Get("a", t0.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, order.FieldGuests, e.Fields)
}

func TestPut_StoresCopy(t *testing.T) {
	l := New(0)
	o := order.Order{ID: "a", CatchCasts: []string{"Mio"}}
	l.Put("a", order.FieldCatchCasts, o, t0)
	o.CatchCasts[0] = "Rin"

	e, _ := l.Get("a", t0)
	assert.Equal(t, "Mio", e.Value.CatchCasts[0])
}

func TestRemove(t *testing.T) {
	l := New(0)
	l.Put("a", order.FieldNote, order.Order{ID: "a"}, t0)
	l.Remove("a")
	l.Remove("a")

	assert.Zero(t, l.Len())
}

func TestRemoveIfUnchanged(t *testing.T) {
	l := New(time.Minute)
	first := l.Put("a", order.FieldNote, order.Order{ID: "a"}, t0)
	second := l.Put("a", order.FieldNote, order.Order{ID: "a"}, t0)
	require.Greater(t, second, first)

	assert.False(t, l.RemoveIfUnchanged("a", first), "older confirmation keeps newer edit")
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.RemoveIfUnchanged("a", second))
	assert.Zero(t, l.Len())
	assert.False(t, l.RemoveIfUnchanged("a", second))
}

func TestExpire(t *testing.T) {
	l := New(10 * time.Second)
	l.Put("old", order.FieldNote, order.Order{ID: "old"}, t0)
	l.Put("new", order.FieldNote, order.Order{ID: "new"}, t0.Add(8*time.Second))

	expired := l.Expire(t0.Add(11 * time.Second))
	assert.Equal(t, []string{"old"}, expired)
	assert.Equal(t, 1, l.Len())

	assert.Nil(t, l.Expire(t0.Add(11*time.Second)))
}

func TestClear(t *testing.T) {
	l := New(0)
	l.Put("a", order.FieldNote, order.Order{ID: "a"}, t0)
	l.Put("b", order.FieldNote, order.Order{ID: "b"}, t0)
	l.Clear()
	assert.Zero(t, l.Len())
}

func TestConcurrentPutAndGet(t *testing.T) {
	l := New(time.Minute)
	ids := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		id := ids[i%len(ids)]
		go func() {
			defer wg.Done()
			l.Put(id, order.FieldNote, order.Order{ID: id}, t0)
		}()
		go func() {
			defer wg.Done()
			_, _ = l.Get(id, t0)
		}()
	}
	wg.Wait()

	got := l.Expire(t0.Add(time.Hour))
	sort.Strings(got)
	assert.Equal(t, ids, got)
}
