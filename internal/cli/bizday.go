package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/bizday"
)

// BizdayOptions holds flags for the bizday command.
type BizdayOptions struct {
	*RootOptions
	At string
}

// NewBizdayCommand creates the bizday command.
func NewBizdayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BizdayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bizday",
		Short: "Show which business day an instant belongs to",
		Long: `Show the business day that owns an instant, its opening hours and the
next reset.

A business day runs from 19:00 until 09:00 the next morning and is named
after the date it opens on.

Example:
  tabsync bizday
  tabsync bizday --at 2025-03-23T02:30:00+09:00 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBizday(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "instant to describe (RFC3339, default now)")

	return cmd
}

type bizdayResult struct {
	bizday.Info
	UntilReset string `json:"until_reset"`
	UntilClose string `json:"until_close,omitempty"`
	UntilOpen  string `json:"until_open,omitempty"`
}

func (r bizdayResult) RenderText(w io.Writer) error {
	open := "no, opens in " + r.UntilOpen
	if r.WithinHours {
		open = "yes, closes in " + r.UntilClose
	}
	rows := [][2]string{
		{"Business day:", r.BusinessDate.String()},
		{"Current time:", r.CurrentTime},
		{"Opens:", r.StartTime},
		{"Closes:", r.EndTime},
		{"Open now:", open},
		{"Reset:", fmt.Sprintf("%s (fallback %s)", r.ResetTime, r.ResetFallbackTime)},
		{"Next reset in:", r.UntilReset},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-14s %s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	return nil
}

func runBizday(opts *BizdayOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	cal := bizday.New(cfg.Location())
	now, err := opts.instant(cal, opts.At)
	if err != nil {
		return out.fail(ExitCommandError, CodeInput, "invalid instant", err)
	}

	res := bizdayResult{
		Info:       cal.Info(now),
		UntilReset: cal.UntilNextReset(now).String(),
	}
	if res.WithinHours {
		res.UntilClose = cal.UntilClose(now).String()
	} else {
		res.UntilOpen = cal.UntilNextOpen(now).String()
	}
	return out.Success(res)
}
