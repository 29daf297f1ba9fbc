package main

import (
	"os"

	"github.com/autominion/minion/internal/cmd"
)

// Set by -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		cmd.ReportError(err)
		os.Exit(cmd.ExitCode(err))
	}
}
