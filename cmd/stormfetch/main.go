// Command stormfetch is a minimal CLI front end for the download engine:
// enough to drive one Orchestrator transfer from the terminal and print
// its events. It is a demo shim, not a full CLI (no shell completion, no
// subcommand sprawl) — internal/orchestrator is the tested surface.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stormfetch",
		Short: "stormfetch fetches a file over parallel, segmented range requests",
	}
	root.AddCommand(newGetCmd())
	return root
}

func newRuntimeConfig(cmd *cobra.Command) *config.RuntimeConfig {
	turbo, _ := cmd.Flags().GetBool("turbo")
	maxSegments, _ := cmd.Flags().GetInt("max-segments")
	bwLimit, _ := cmd.Flags().GetInt64("bandwidth-limit")

	rc := &config.RuntimeConfig{
		MaxSegments:               maxSegments,
		BandwidthLimitBytesPerSec: bwLimit,
	}
	if turbo {
		rc.Preset = config.Turbo
	}
	return rc
}

func newLogger(cmd *cobra.Command) *logrus.Entry {
	verbose, _ := cmd.Flags().GetBool("verbose")
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return logrus.NewEntry(log)
}
