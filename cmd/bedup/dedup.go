package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup/internal/progress"
	"github.com/g2p/bedup/orchestrator"
)

func newDedupCmd(env *appEnv) *cobra.Command {
	var noProgress bool
	var samplePrefilter bool

	cmd := &cobra.Command{
		Use:   "dedup [volume...]",
		Short: "Scan then deduplicate same-size files across the given volumes (default: every mounted btrfs volume)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := orchestrator.Options{
				SizeCutoff:       sizeCutoff,
				NoCrossVol:       noCrossVol,
				Defrag:           defrag,
				SampledPrefilter: samplePrefilter,
			}

			var bar *progress.ClassBar
			if !noProgress && logFormat != "json" {
				bar = progress.NewClassBar(os.Stderr, "deduping")
				env.pipeline.Progress = bar.Update
				defer bar.Finish()
			}

			outcome, err := env.pipeline.Dedup(cmd.Context(), args, opts)
			if err != nil {
				return fmt.Errorf("dedup: %w", err)
			}
			printOutcome(cmd, outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	cmd.Flags().BoolVar(&samplePrefilter, "sample-prefilter", true, "narrow classes with a sampled digest before the byte-exact compare")
	return cmd
}

func printOutcome(cmd *cobra.Command, o orchestrator.Outcome) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cloned=%d mismatch=%d busy=%d changed=%d vanished=%d permission=%d io_error=%d unsupported=%d\n",
		o.Cloned, o.Mismatch, o.Busy, o.Changed, o.Vanished, o.Permission, o.IoError, o.Unsupported)
}
