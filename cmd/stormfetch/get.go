package main

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/stormfetch/engine/internal/orchestrator"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [url]",
		Short: "get downloads a file from a URL using parallel range requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0])
		},
	}

	cmd.Flags().StringP("output", "o", ".", "output directory")
	cmd.Flags().StringSlice("mirror", nil, "additional mirror URL for the same resource (repeatable)")
	cmd.Flags().Bool("turbo", false, "use the turbo preset (more initial segments, more workers, longer request timeout)")
	cmd.Flags().Int("max-segments", 32, "maximum concurrent segments")
	cmd.Flags().Int64("bandwidth-limit", 0, "bandwidth limit in bytes/sec (0 = unlimited)")
	cmd.Flags().Bool("checksum", false, "compute a sha256 checksum of the completed file")
	cmd.Flags().BoolP("verbose", "v", false, "enable debug logging")

	return cmd
}

func runGet(cmd *cobra.Command, url string) error {
	outDir, _ := cmd.Flags().GetString("output")
	mirrors, _ := cmd.Flags().GetStringSlice("mirror")
	checksum, _ := cmd.Flags().GetBool("checksum")

	rc := newRuntimeConfig(cmd)
	rc.ComputeChecksum = checksum

	o := orchestrator.New(6, 2, newLogger(cmd))
	id, err := o.AddDownload(url, orchestrator.AddDownloadOptions{
		OutputDir:       outDir,
		Mirrors:         mirrors,
		BandwidthLimit:  rc.GetBandwidthLimit(),
		ComputeChecksum: checksum,
		Runtime:         rc,
	})
	if err != nil {
		return err
	}

	for ev := range o.Events() {
		if ev.DownloadID != id {
			continue
		}
		switch ev.Kind {
		case orchestrator.StateChange:
			fmt.Printf("state: %s\n", ev.State)
		case orchestrator.SpeedUpdate:
			fmt.Printf("\rspeed: %s/s", humanize.Bytes(uint64(ev.BytesPerSecond)))
		case orchestrator.SegmentRebalanced:
			fmt.Printf("\nsegments: %d -> %d\n", ev.OldSegmentCount, ev.NewSegmentCount)
		case orchestrator.ErrorEvent:
			return fmt.Errorf("%s", ev.Message)
		case orchestrator.CompleteEvent:
			fmt.Printf("\nsaved to %s\n", filepath.Clean(ev.Path))
			if ev.Checksum != "" {
				fmt.Printf("sha256: %s\n", ev.Checksum)
			}
			return nil
		}
	}
	return nil
}
