package cli

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/bizday"
	"github.com/roach88/tabsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Now overrides the wall clock (for testing). Nil means time.Now.
	Now func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tabsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tabsync",
		Short: "tabsync - venue order tabs kept in sync",
		Long: `tabsync keeps a venue's open tabs in sync between the hosted order
table and every client, applies edits optimistically and resets the
working set once per business day.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to tabsync.yaml (defaults apply when empty)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewBizdayCommand(opts))
	cmd.AddCommand(NewRemainingCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))

	return cmd
}

// loadConfig reads --config, or returns the defaults when it is unset.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if o.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.ConfigPath)
}

// instant returns the instant a command reports on: --at when given,
// otherwise now, in the calendar's location.
func (o *RootOptions) instant(cal bizday.Calendar, at string) (time.Time, error) {
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at %q: want RFC3339", at)
		}
		return cal.In(t), nil
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	return cal.In(now()), nil
}
