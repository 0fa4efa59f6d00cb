package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newScanCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [volume...]",
		Short: "Record changed inodes for one or more volumes without cloning anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			mounts, err := env.pipeline.Resolver.ListMounted()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				mounts, err = resolveArgs(env, args)
				if err != nil {
					return err
				}
			}
			for _, m := range mounts {
				if m.ReadOnly {
					fmt.Fprintf(cmd.OutOrStdout(), "skip %s: read-only\n", m.MountPath)
					continue
				}
				if err := env.pipeline.ScanVolume(m); err != nil {
					return fmt.Errorf("scan %s: %w", m.MountPath, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %s\n", m.MountPath)
			}
			return nil
		},
	}
}
