package syncengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabsync/internal/backend"
	"github.com/roach88/tabsync/internal/backend/memory"
	"github.com/roach88/tabsync/internal/order"
)

// stubFeed hands out a channel the test controls.
type stubFeed struct {
	ch  chan backend.Event
	err error
}

func (f *stubFeed) Subscribe(context.Context) (<-chan backend.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

func TestParseClient(t *testing.T) {
	c, err := ParseClient("")
	require.NoError(t, err)
	assert.Equal(t, ClientDesktop, c)

	c, err = ParseClient("mobile")
	require.NoError(t, err)
	assert.Equal(t, MobilePollInterval, c.PollInterval())
	assert.True(t, c.ForcePoll())
	assert.False(t, ClientDesktop.ForcePoll())
	assert.Equal(t, DesktopPollInterval, ClientDesktop.PollInterval())

	_, err = ParseClient("tablet")
	assert.Error(t, err)
}

func TestHandle_PollsWithoutFeed(t *testing.T) {
	f := newFixture(t)
	h := f.e.Start(context.Background(), StartOptions{})
	assert.True(t, h.Polling())

	require.NoError(t, f.be.Seed(seeded("remote", 1, "21:30", order.StatusActive)))
	f.clk.Advance(DesktopPollInterval - time.Second)
	assert.Empty(t, f.e.Snapshot().Active)

	f.clk.Advance(time.Second)
	assert.Equal(t, []string{"remote"}, ids(f.e.Snapshot().Active))

	f.clk.Advance(DesktopPollInterval)
	assert.Equal(t, 2, f.be.Calls(memory.OpFetch), "poll timer rearms itself")

	h.Stop()
	assert.False(t, h.Alive())
	assert.Zero(t, f.clk.Pending(), "stop cancels every timer")

	require.NoError(t, f.be.Seed(seeded("late", 2, "22:00", order.StatusActive)))
	f.clk.Advance(time.Minute)
	assert.Len(t, f.e.Snapshot().Active, 1, "nothing applies after stop")

	h.Stop()
}

func TestHandle_MobilePollsFaster(t *testing.T) {
	f := newFixture(t)
	feed := &stubFeed{ch: make(chan backend.Event)}
	h := f.e.Start(context.Background(), StartOptions{
		Feed:         feed,
		PollInterval: ClientMobile.PollInterval(),
		ForcePoll:    ClientMobile.ForcePoll(),
	})
	defer h.Stop()

	assert.True(t, h.Polling(), "mobile polls even with a live feed")
	f.clk.Advance(MobilePollInterval)
	assert.Equal(t, 1, f.be.Calls(memory.OpFetch))
	f.clk.Advance(MobilePollInterval)
	assert.Equal(t, 2, f.be.Calls(memory.OpFetch))
}

func TestHandle_FeedEventTriggersReconcile(t *testing.T) {
	f := newFixture(t)
	h := f.e.Start(context.Background(), StartOptions{Feed: f.be})
	defer h.Stop()
	assert.False(t, h.Polling())

	require.NoError(t, f.be.Seed(seeded("remote", 1, "21:30", order.StatusActive)))
	f.be.Notify(backend.Event{Table: backend.OrdersTable, Op: backend.OpInsert, ID: "remote"})

	require.Eventually(t, func() bool {
		_, _, ok := f.e.Snapshot().Find("remote")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestHandle_RefetchesWhenLocalWriteSettlesMidFetch(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)

	remote, ok := f.be.Order(created.ID)
	require.True(t, ok)
	remote.Note = "from other client"
	require.NoError(t, f.be.Seed(remote))

	var edited atomic.Bool
	f.be.OnFetch = func(ctx context.Context) {
		if !edited.CompareAndSwap(false, true) {
			return
		}
		local, _, ok := f.e.Snapshot().Find(created.ID)
		if !assert.True(t, ok) {
			return
		}
		local.Guests = 5
		_, err := f.e.Update(ctx, local)
		assert.NoError(t, err)
	}

	// Desktop with a working feed: no poll timer to fall back on.
	feed := &stubFeed{ch: make(chan backend.Event, 1)}
	h := f.e.Start(context.Background(), StartOptions{Feed: feed})
	defer h.Stop()
	require.False(t, h.Polling())

	feed.ch <- backend.Event{Table: backend.OrdersTable, Op: backend.OpUpdate, ID: created.ID, Source: "other"}

	require.Eventually(t, func() bool {
		o, _, ok := f.e.Snapshot().Find(created.ID)
		return ok && o.Note == "from other client" && o.Guests == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.be.Calls(memory.OpFetch), "one discarded fetch, one follow-up")
}

func TestHandle_FeedBurstCoalesced(t *testing.T) {
	f := newFixture(t)
	feed := &stubFeed{ch: make(chan backend.Event, 8)}
	for i := 0; i < 5; i++ {
		feed.ch <- backend.Event{Op: backend.OpUpdate}
	}

	h := f.e.Start(context.Background(), StartOptions{Feed: feed})
	defer h.Stop()

	require.Eventually(t, func() bool {
		return f.be.Calls(memory.OpFetch) >= 1 && len(feed.ch) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.be.Calls(memory.OpFetch), "queued events fold into one fetch")
}

func TestHandle_ClosedFeedFallsBackToPolling(t *testing.T) {
	f := newFixture(t)
	feed := &stubFeed{ch: make(chan backend.Event)}
	h := f.e.Start(context.Background(), StartOptions{Feed: feed})
	defer h.Stop()
	require.False(t, h.Polling())

	close(feed.ch)
	require.Eventually(t, h.Polling, time.Second, 5*time.Millisecond)

	f.clk.Advance(DesktopPollInterval)
	assert.Equal(t, 1, f.be.Calls(memory.OpFetch))
}

func TestHandle_PollsWhenOneMergedFeedCloses(t *testing.T) {
	f := newFixture(t)
	listen := &stubFeed{ch: make(chan backend.Event)}
	bus := &stubFeed{ch: make(chan backend.Event)}
	h := f.e.Start(context.Background(), StartOptions{Feed: backend.Feeds{listen, bus}})
	defer h.Stop()
	require.False(t, h.Polling())

	close(listen.ch)
	require.Eventually(t, h.Polling, time.Second, 5*time.Millisecond,
		"the bus staying up does not cover the lost listener")
}

func TestHandle_SubscribeErrorPolls(t *testing.T) {
	f := newFixture(t)
	h := f.e.Start(context.Background(), StartOptions{Feed: &stubFeed{err: errors.New("listen refused")}})
	defer h.Stop()

	assert.True(t, h.Polling())
}

func TestHandle_DailyReset(t *testing.T) {
	// 16:00 on the afternoon after business day 2025-03-22.
	start := time.Date(2025, 3, 23, 16, 0, 0, 0, jst)
	f := newFixtureAt(t, start)
	f.create(t)

	var mu sync.Mutex
	resets := 0
	cancel := f.e.Watch(func(s Snapshot) {
		if s.HighWater == 0 {
			mu.Lock()
			resets++
			mu.Unlock()
		}
	})
	defer cancel()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return resets
	}

	h := f.e.Start(context.Background(), StartOptions{Feed: &stubFeed{ch: make(chan backend.Event)}})
	defer h.Stop()

	f.clk.Advance(time.Hour - time.Second)
	assert.Zero(t, count())

	f.clk.Advance(time.Second)
	assert.Equal(t, 1, count(), "reset at 17:00")
	assert.Equal(t, 1, f.e.Snapshot().HighWater, "reset reconciles straight away")

	f.clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, count(), "17:05 fallback skipped once 17:00 ran")

	f.clk.Advance(24 * time.Hour)
	assert.Equal(t, 2, count(), "next day's reset")
}

func TestHandle_FallbackResetRunsWhenMainMissed(t *testing.T) {
	// The main instant passed while the process was not running.
	start := time.Date(2025, 3, 23, 17, 2, 0, 0, jst)
	f := newFixtureAt(t, start)
	f.create(t)

	resets := 0
	cancel := f.e.Watch(func(s Snapshot) {
		if s.HighWater == 0 {
			resets++
		}
	})
	defer cancel()

	h := f.e.Start(context.Background(), StartOptions{Feed: &stubFeed{ch: make(chan backend.Event)}})
	defer h.Stop()

	f.clk.Advance(3 * time.Minute)
	assert.Equal(t, 1, resets)
}
