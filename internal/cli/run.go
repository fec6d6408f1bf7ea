package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/backend"
	"github.com/roach88/tabsync/internal/backend/memory"
	"github.com/roach88/tabsync/internal/backend/postgres"
	"github.com/roach88/tabsync/internal/backend/rabbitmq"
	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/config"
	"github.com/roach88/tabsync/internal/store"
	"github.com/roach88/tabsync/internal/syncengine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Fresh    bool
	ClientID string

	// Backend overrides the configured backend (for testing). Nil means
	// Postgres when a DSN is configured, otherwise an in-process store.
	Backend backend.Orders
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine",
		Long: `Run the order sync engine until interrupted.

The engine loads the collections from the local cache, reconciles them
with the order table, then follows the change feed (and polls, depending
on the client class). The working set resets every day at 17:00.

Without postgres.dsn the engine runs against an in-process order table,
which is useful for trying the client offline.

Example:
  tabsync run --config ./tabsync.yaml
  tabsync run --config ./tabsync.yaml --fresh --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Fresh, "fresh", false, "drop the cached collections before starting")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "identifies this client on the message bus (default: random)")

	return cmd
}

// connection is everything runEngine talks to besides the cache.
type connection struct {
	orders    backend.Orders
	feeds     backend.Feeds
	announcer backend.Announcer
	closers   []func()
}

func (c *connection) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func connect(ctx context.Context, cfg *config.Config, opts *RunOptions) (*connection, error) {
	conn := &connection{}

	switch {
	case opts.Backend != nil:
		conn.orders = opts.Backend
		if feed, ok := opts.Backend.(backend.Feed); ok {
			conn.feeds = append(conn.feeds, feed)
		}
	case cfg.Postgres.DSN != "":
		slog.Info("connecting to postgres")
		pg, err := postgres.Connect(ctx, cfg.Postgres.DSN, postgres.WithApplicationName("tabsync"))
		if err != nil {
			return nil, err
		}
		conn.closers = append(conn.closers, pg.Close)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				conn.close()
				return nil, err
			}
		}
		conn.orders = pg
		conn.feeds = append(conn.feeds, pg)
	default:
		slog.Warn("no postgres dsn configured, using an in-process order table")
		mem := memory.New(nil)
		conn.orders = mem
		conn.feeds = append(conn.feeds, mem)
	}

	if cfg.RabbitMQ.URL != "" {
		clientID := opts.ClientID
		if clientID == "" {
			clientID = syncengine.UUIDv7Generator{}.Generate()
		}
		slog.Info("connecting to rabbitmq", "exchange", cfg.RabbitMQ.Exchange, "client_id", clientID)
		bus, err := rabbitmq.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, clientID)
		if err != nil {
			conn.close()
			return nil, err
		}
		conn.closers = append(conn.closers, func() {
			if err := bus.Close(); err != nil {
				slog.Error("error closing rabbitmq connection", "error", err)
			}
		})
		conn.announcer = bus
		conn.feeds = append(conn.feeds, bus)
	}
	return conn, nil
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	setupLogging(opts.Verbose, cmd.ErrOrStderr())
	out := newFormatter(opts.RootOptions, cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	slog.Info("opening cache", "path", cfg.CachePath)
	st, err := store.Open(cfg.CachePath)
	if err != nil {
		return out.fail(ExitCommandError, CodeStore, "failed to open cache", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing cache", "error", closeErr)
		}
	}()
	if opts.Fresh {
		if err := st.Clear(ctx); err != nil {
			return out.fail(ExitCommandError, CodeStore, "failed to clear cache", err)
		}
		slog.Info("cache cleared")
	}

	conn, err := connect(ctx, cfg, opts)
	if err != nil {
		return out.fail(ExitCommandError, CodeBackend, "failed to connect backend", err)
	}
	defer conn.close()

	engineOpts := []syncengine.Option{
		syncengine.WithCache(st),
		syncengine.WithCalendar(bizday.New(cfg.Location())),
		syncengine.WithRetry(cfg.RetryPolicy()),
		syncengine.WithLedgerTTL(cfg.PendingTTL),
	}
	if conn.announcer != nil {
		engineOpts = append(engineOpts, syncengine.WithAnnouncer(conn.announcer))
	}
	eng := syncengine.New(conn.orders, engineOpts...)

	if err := eng.Hydrate(ctx); err != nil {
		slog.Warn("could not load cached orders", "error", err)
	}
	if err := eng.Reconcile(ctx); err != nil && !errors.Is(err, syncengine.ErrStale) {
		slog.Warn("initial reconcile failed, continuing with cached orders", "error", err)
	}

	stopWatch := eng.Watch(func(s syncengine.Snapshot) {
		slog.Debug("orders changed",
			"version", s.Version,
			"active", len(s.Active),
			"today", len(s.OnDay(eng.Today())),
			"trash", len(s.Trash),
			"high_water", s.HighWater)
	})
	defer stopWatch()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	client := cfg.ClientClass()
	var feed backend.Feed
	if len(conn.feeds) > 0 {
		feed = conn.feeds
	}
	h := eng.Start(ctx, syncengine.StartOptions{
		Feed:         feed,
		PollInterval: client.PollInterval(),
		ForcePoll:    client.ForcePoll(),
	})

	snap := eng.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "Sync engine running for business day %s (%d open, %d in trash).\n",
		eng.Today(), len(snap.Active), len(snap.Trash))
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	<-ctx.Done()
	h.Stop()

	sales := eng.DailySales()
	fmt.Fprintf(cmd.OutOrStdout(), "Business day %s so far: %d groups settled, %s in sales.\n",
		sales.BusinessDate, sales.TotalGroups, money.Sprintf("%d", sales.TotalSales))

	slog.Info("sync engine stopped gracefully")
	return nil
}
