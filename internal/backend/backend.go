// Package backend defines what the sync engine needs from the hosted order
// store and its change-notification channel.
//
// Implementations live in the subpackages: postgres (the relational store
// plus LISTEN/NOTIFY), rabbitmq (cross-client fan-out) and memory (tests and
// offline runs).
package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/tabsync/internal/order"
)

// OrdersTable is the name change events carry for the order table.
const OrdersTable = "orders"

// ErrNotFound is returned by UpdateOrder when no row has the given id.
var ErrNotFound = errors.New("order not found")

// Op is the kind of change a notification reports.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one change notification. Its payload is a hint only; receivers
// re-fetch rather than trusting it as a diff.
type Event struct {
	Table  string    `json:"table"`
	Op     Op        `json:"op"`
	ID     string    `json:"id,omitempty"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// Orders is the request/response surface of the order table.
type Orders interface {
	// FetchOrders returns every row of the order table.
	FetchOrders(ctx context.Context) ([]order.Row, error)
	// InsertOrder inserts a new row.
	InsertOrder(ctx context.Context, row order.Row) error
	// UpdateOrder writes the given fields of row. It returns ErrNotFound
	// when the row does not exist.
	UpdateOrder(ctx context.Context, row order.Row, fields order.FieldSet) error
	// DeleteOrder removes the row permanently. Deleting a missing row is
	// not an error.
	DeleteOrder(ctx context.Context, id string) error
}

// Invalidator is implemented by backends holding cached connection or
// query state that should be dropped before a retry.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Feed delivers change notifications.
type Feed interface {
	// Subscribe delivers events until ctx ends or the feed fails, then
	// closes the channel.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Announcer tells other clients that this one changed something.
type Announcer interface {
	Announce(ctx context.Context, ev Event) error
}

// Feeds subscribes to every feed in the list as one.
type Feeds []Feed

// Subscribe implements Feed.
func (fs Feeds) Subscribe(ctx context.Context) (<-chan Event, error) {
	return MergeFeeds(ctx, fs...)
}

// MergeFeeds fans several feeds into one channel. Every feed is
// subscribed under a context derived from ctx: if one Subscribe fails the
// feeds already subscribed are released, and once any feed closes the
// others are released and the merged channel closes, so the caller falls
// back to polling instead of silently missing that feed's changes.
func MergeFeeds(ctx context.Context, feeds ...Feed) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	chans := make([]<-chan Event, 0, len(feeds))
	for _, f := range feeds {
		ch, err := f.Subscribe(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		chans = append(chans, ch)
	}

	out := make(chan Event)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}
