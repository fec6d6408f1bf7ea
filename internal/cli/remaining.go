package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/clocktime"
)

// RemainingOptions holds flags for the remaining command.
type RemainingOptions struct {
	*RootOptions
	At   string
	Warn int
}

// NewRemainingCommand creates the remaining command.
func NewRemainingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemainingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "remaining <HH:MM>",
		Short: "Show the time left until a table's end time",
		Long: `Show the time left until an HH:MM end time, as the floor staff see it.

End times after midnight resolve to the next morning while the venue is
open. Once the end has passed the countdown turns into overtime.

Example:
  tabsync remaining 01:30
  tabsync remaining 22:00 --at 2025-03-22T21:55:00+09:00 --warn 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemaining(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "instant to count from (RFC3339, default now)")
	cmd.Flags().IntVar(&opts.Warn, "warn", 10, "minutes left at which the table is ending soon")

	return cmd
}

type remainingResult struct {
	End        string `json:"end"`
	Now        string `json:"now"`
	Remaining  string `json:"remaining"`
	Overtime   bool   `json:"overtime"`
	EndingSoon bool   `json:"ending_soon"`
}

func (r remainingResult) RenderText(w io.Writer) error {
	var err error
	switch {
	case r.Overtime:
		_, err = fmt.Fprintf(w, "overtime by %s (ended %s)\n", strings.TrimPrefix(r.Remaining, "-"), r.End)
	case r.EndingSoon:
		_, err = fmt.Fprintf(w, "%s left until %s, ending soon\n", r.Remaining, r.End)
	default:
		_, err = fmt.Fprintf(w, "%s left until %s\n", r.Remaining, r.End)
	}
	return err
}

func runRemaining(opts *RemainingOptions, end string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	now, err := opts.instant(bizday.New(cfg.Location()), opts.At)
	if err != nil {
		return out.fail(ExitCommandError, CodeInput, "invalid instant", err)
	}

	left, err := clocktime.Remaining(end, now)
	if err != nil {
		return out.fail(ExitCommandError, CodeInput, "invalid end time", err)
	}
	return out.Success(remainingResult{
		End:        end,
		Now:        clocktime.Format(now),
		Remaining:  left,
		Overtime:   clocktime.IsOvertime(left),
		EndingSoon: clocktime.WithinMinutes(left, opts.Warn),
	})
}
