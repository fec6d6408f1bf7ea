// Command tabsync runs the venue order sync engine and its diagnostics.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tabsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
