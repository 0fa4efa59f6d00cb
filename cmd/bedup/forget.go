package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newForgetCmd is the supplemented `forget` subcommand (from bedup's
// original tracking.forget_vol): drop a volume's inode records and
// reset its watermark, forcing a full rescan on the next pass without
// touching any file on disk.
func newForgetCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "forget VOLUME...",
		Short: "Drop a volume's indexed inode records and reset its watermark",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseVolumeKeys(env, args)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := env.store.ForgetVolume(key); err != nil {
					return fmt.Errorf("forget %s: %w", key.String(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", key.String())
			}
			return nil
		},
	}
}
