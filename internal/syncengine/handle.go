package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tabsync/internal/backend"
	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/clock"
)

// Client is the class of device the engine runs on.
type Client string

const (
	ClientDesktop Client = "desktop"
	ClientMobile  Client = "mobile"
)

// Poll intervals per client class.
const (
	DesktopPollInterval = 10 * time.Second
	MobilePollInterval  = 5 * time.Second
)

// ParseClient validates s as a client class. Empty means desktop.
func ParseClient(s string) (Client, error) {
	switch c := Client(s); c {
	case "":
		return ClientDesktop, nil
	case ClientDesktop, ClientMobile:
		return c, nil
	}
	return "", fmt.Errorf("unknown client class %q (want desktop or mobile)", s)
}

// PollInterval returns how often c polls.
func (c Client) PollInterval() time.Duration {
	if c == ClientMobile {
		return MobilePollInterval
	}
	return DesktopPollInterval
}

// ForcePoll reports whether c polls even with a working change feed.
// Mobile push channels drop silently when the app is backgrounded.
func (c Client) ForcePoll() bool {
	return c == ClientMobile
}

// StartOptions configures the background loops.
type StartOptions struct {
	// Feed delivers change notifications. Nil means poll only.
	Feed backend.Feed
	// PollInterval defaults to DesktopPollInterval.
	PollInterval time.Duration
	// ForcePoll polls even while Feed works.
	ForcePoll bool
}

// Handle owns the engine's background loops. Stop ends all of them.
//
// The reset timer fires at the next reset instant, resets the session if
// the instant is still a reset time, and always reschedules. The poll
// timer reconciles every PollInterval. The feed listener reconciles once
// per burst of events and falls back to polling if the feed closes.
//
// Every callback checks the liveness flag first, so a timer that fires
// after Stop does nothing.
type Handle struct {
	e        *Engine
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	alive    atomic.Bool
	wg       sync.WaitGroup

	mu        sync.Mutex
	reset     clock.Timer
	poll      clock.Timer
	polling   bool
	lastReset string // calendar date the reset timer last reset on
}

// Start launches the reset timer, the feed listener and, when there is no
// feed or polling is forced, the poll timer.
func (e *Engine) Start(ctx context.Context, opts StartOptions) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{e: e, ctx: ctx, cancel: cancel, interval: opts.PollInterval}
	if h.interval <= 0 {
		h.interval = DesktopPollInterval
	}
	h.alive.Store(true)

	h.scheduleReset()

	poll := opts.ForcePoll || opts.Feed == nil
	if opts.Feed != nil {
		events, err := opts.Feed.Subscribe(ctx)
		if err != nil {
			slog.Warn("change feed unavailable, polling instead", "error", err)
			poll = true
		} else {
			h.wg.Add(1)
			go h.listen(events)
		}
	}
	if poll {
		h.startPolling()
	}

	slog.Info("sync engine started", "feed", opts.Feed != nil, "polling", poll, "interval", h.interval)
	return h
}

// Alive reports whether Stop has not been called.
func (h *Handle) Alive() bool { return h.alive.Load() }

// Polling reports whether the poll timer is running.
func (h *Handle) Polling() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polling
}

// Stop cancels the timers and the feed listener and waits for the
// listener to exit. Results still in flight are discarded. Stop is
// idempotent.
func (h *Handle) Stop() {
	if !h.alive.CompareAndSwap(true, false) {
		return
	}
	h.cancel()

	h.mu.Lock()
	if h.reset != nil {
		h.reset.Stop()
	}
	if h.poll != nil {
		h.poll.Stop()
	}
	h.polling = false
	h.mu.Unlock()

	h.wg.Wait()
	slog.Info("sync engine stopped")
}

func (h *Handle) scheduleReset() {
	d := h.e.cal.UntilNextReset(h.e.now())

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive.Load() {
		return
	}
	h.reset = h.e.clock.AfterFunc(d, h.onReset)
	slog.Debug("next reset scheduled", "in", d)
}

func (h *Handle) onReset() {
	if !h.alive.Load() {
		return
	}
	now := h.e.now()
	date := now.Format(bizday.DayLayout)

	h.mu.Lock()
	done := h.lastReset == date
	due := h.e.cal.IsResetTime(now) && !done
	if due {
		h.lastReset = date
	}
	h.mu.Unlock()

	switch {
	case due:
		h.e.Reset()
		h.reconcile()
	case done:
		slog.Debug("reset already done today", "at", now)
	default:
		slog.Debug("reset timer fired off schedule, skipping", "at", now)
	}
	h.scheduleReset()
}

func (h *Handle) startPolling() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.polling || !h.alive.Load() {
		return
	}
	h.polling = true
	h.poll = h.e.clock.AfterFunc(h.interval, h.onPoll)
}

func (h *Handle) onPoll() {
	if !h.alive.Load() {
		return
	}
	h.reconcile()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive.Load() && h.polling {
		h.poll = h.e.clock.AfterFunc(h.interval, h.onPoll)
	}
}

// listen reconciles once per burst: events already queued behind the one
// received are drained first, since each reconciliation refetches
// everything anyway.
func (h *Handle) listen(events <-chan backend.Event) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				h.feedClosed()
				return
			}
			n, open := drain(events)
			slog.Debug("change event", "op", ev.Op, "id", ev.ID, "source", ev.Source, "coalesced", n)
			h.reconcile()
			if !open {
				h.feedClosed()
				return
			}
		}
	}
}

// drain empties events without blocking. It returns how many events it
// consumed and whether the channel is still open.
func drain(events <-chan backend.Event) (n int, open bool) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return n, false
			}
			n++
		default:
			return n, true
		}
	}
}

func (h *Handle) feedClosed() {
	if !h.alive.Load() || h.ctx.Err() != nil {
		return
	}
	slog.Warn("change feed closed, falling back to polling", "interval", h.interval)
	h.startPolling()
}

// maxRefetches bounds the follow-up fetches one trigger may cause while
// local writes keep settling. The next event or poll picks up from there.
const maxRefetches = 3

// reconcile runs one reconciliation. A result discarded because a local
// write settled during the fetch is fetched again, since no other trigger
// may follow: the feed does not echo this client's own writes.
func (h *Handle) reconcile() {
	for attempt := 0; h.alive.Load(); attempt++ {
		err := h.e.Reconcile(h.ctx)
		switch {
		case errors.Is(err, ErrWriteSettled) && attempt < maxRefetches:
			slog.Debug("local write settled during reconcile, fetching again", "attempt", attempt+1)
			continue
		case err == nil, errors.Is(err, ErrStale), h.ctx.Err() != nil:
		default:
			slog.Warn("reconcile failed, keeping previous snapshot", "error", err)
		}
		return
	}
}
