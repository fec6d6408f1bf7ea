// Package rabbitmq fans order-change announcements out to every connected
// client through a fanout exchange.
//
// Each subscriber binds its own exclusive, auto-deleted queue, so a client
// that is offline simply misses announcements; it catches up on its next
// reconcile.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roach88/tabsync/internal/backend"
)

// DefaultExchange is used when none is configured.
const DefaultExchange = "tabsync.orders"

// Channel is the subset of *amqp.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Bus publishes and consumes announcements on one exchange.
type Bus struct {
	open     func() (Channel, error)
	closer   func() error
	exchange string
	source   string

	mu  sync.Mutex
	pub Channel
}

// Dial connects to the broker at url. source identifies this client so it
// can ignore its own announcements.
func Dial(url, exchange, source string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	open := func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		return ch, nil
	}
	return New(open, conn.Close, exchange, source), nil
}

// New builds a bus over an arbitrary channel factory.
func New(open func() (Channel, error), closer func() error, exchange, source string) *Bus {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Bus{open: open, closer: closer, exchange: exchange, source: source}
}

func (b *Bus) declare(ch Channel) error {
	if err := ch.ExchangeDeclare(b.exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

// publisher returns the shared publishing channel, reopening it after a
// failure. Caller holds mu.
func (b *Bus) publisher() (Channel, error) {
	if b.pub != nil {
		return b.pub, nil
	}
	ch, err := b.open()
	if err != nil {
		return nil, err
	}
	if err := b.declare(ch); err != nil {
		ch.Close()
		return nil, err
	}
	b.pub = ch
	return ch, nil
}

// Announce publishes ev, stamped with this client's source.
func (b *Bus) Announce(ctx context.Context, ev backend.Event) error {
	ev.Source = b.source
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.publisher()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		ch.Close()
		b.pub = nil
		return fmt.Errorf("failed to publish announcement: %w", err)
	}
	return nil
}

// Subscribe binds a private queue to the exchange and delivers other
// clients' announcements until ctx ends or the channel closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan backend.Event, error) {
	ch, err := b.open()
	if err != nil {
		return nil, err
	}
	msgs, err := b.bind(ch)
	if err != nil {
		ch.Close()
		return nil, err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	out := make(chan backend.Event, 16)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-closed:
				slog.Warn("announcement channel closed", "error", err)
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev backend.Event
				if err := json.Unmarshal(msg.Body, &ev); err != nil {
					slog.Warn("unreadable announcement", "error", err)
					continue
				}
				if ev.Source != "" && ev.Source == b.source {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) bind(ch Channel) (<-chan amqp.Delivery, error) {
	if err := b.declare(ch); err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return msgs, nil
}

// Close closes the publishing channel and the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.pub != nil {
		b.pub.Close()
		b.pub = nil
	}
	b.mu.Unlock()
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

var (
	_ backend.Feed      = (*Bus)(nil)
	_ backend.Announcer = (*Bus)(nil)
	_ Channel           = (*amqp.Channel)(nil)
)
