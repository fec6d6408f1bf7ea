package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/daily"
	"github.com/roach88/tabsync/internal/store"
)

// SummaryOptions holds flags for the summary command.
type SummaryOptions struct {
	*RootOptions
	Database string
	Date     string
	At       string
	Save     bool
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SummaryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize one business day's sales from the local cache",
		Long: `Summarize the completed orders of a business day held in the local
cache: takings per tender, guests, groups and per-cast performance.

With --save the summary is stored in the cache, replacing (and versioning)
any earlier summary for the same day.

Example:
  tabsync summary --db ./tabsync.db
  tabsync summary --date 2025-03-22 --save --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the local cache (default: cache_path from config)")
	cmd.Flags().StringVar(&opts.Date, "date", "", "business day yyyy-MM-dd (default: the current one)")
	cmd.Flags().StringVar(&opts.At, "at", "", "instant whose business day to summarize (RFC3339)")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "store the summary in the cache")

	return cmd
}

type summaryResult struct {
	daily.Sales
	SavedVersion int `json:"saved_version,omitempty"`
}

var money = message.NewPrinter(language.Japanese)

func (r summaryResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "Business day %s\n", r.BusinessDate)
	rows := [][2]string{
		{"Groups:", fmt.Sprint(r.TotalGroups)},
		{"Guests:", fmt.Sprint(r.TotalGuests)},
		{"Total sales:", money.Sprintf("%d", r.TotalSales)},
		{"Cash:", money.Sprintf("%d", r.CashSales)},
		{"Card:", money.Sprintf("%d", r.CardSales)},
		{"Electronic:", money.Sprintf("%d", r.ElectronicSales)},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%-12s %s\n", row[0], row[1])
	}
	fmt.Fprintln(w)

	if len(r.CastSales) == 0 {
		fmt.Fprintln(w, "No cast sales.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CAST\tDRINKS\tBOTTLES\tCATCHES\tREFERRALS\tREFERRAL AMOUNT")
		for _, c := range r.CastSales {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
				c.Name, c.Drinks, c.Bottles, c.Catches, c.Referrals, money.Sprintf("%d", c.ReferralAmount))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if r.SavedVersion > 0 {
		_, err := fmt.Fprintf(w, "\nSaved as version %d.\n", r.SavedVersion)
		return err
	}
	return nil
}

func runSummary(opts *SummaryOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	cal := bizday.New(cfg.Location())
	now, err := opts.instant(cal, opts.At)
	if err != nil {
		return out.fail(ExitCommandError, CodeInput, "invalid instant", err)
	}
	day := cal.BusinessDateOf(now)
	if opts.Date != "" {
		if day, err = bizday.ParseDay(opts.Date); err != nil {
			return out.fail(ExitCommandError, CodeInput, "invalid --date", err)
		}
	}

	path := opts.Database
	if path == "" {
		path = cfg.CachePath
	}
	st, err := store.Open(path)
	if err != nil {
		return out.fail(ExitCommandError, CodeStore, "failed to open cache", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing cache", "error", closeErr)
		}
	}()

	orders, err := st.Orders(ctx, day)
	if err != nil {
		return out.fail(ExitCommandError, CodeStore, "failed to read cached orders", err)
	}
	res := summaryResult{Sales: daily.Summarize(day, orders)}

	if opts.Save {
		saved, err := st.SaveDailySales(ctx, res.Sales, now)
		if err != nil {
			return out.fail(ExitCommandError, CodeStore, "failed to save summary", err)
		}
		res.SavedVersion = saved.Version
	}
	return out.Success(res)
}
