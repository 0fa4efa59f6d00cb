package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup/scan"
	"github.com/g2p/bedup/volume"
)

func newFindNewCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "find-new VOLUME [GEN]",
		Short: "Emit changed paths since generation GEN (default 0) using the scanner primitive directly",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var minGen uint64
			if len(args) == 2 {
				g, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("parse generation %q: %w", args[1], err)
				}
				minGen = g
			}

			m, err := env.pipeline.Resolver.Resolve(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(m.MountPath)
			if err != nil {
				return err
			}
			defer f.Close()

			scanner := &scan.Scanner{Iface: env.pipeline.Iface}
			events, _, err := scanner.Scan(int(f.Fd()), m.Key.RootID, minGen)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range events {
				path, err := volume.ResolveInodePath(env.pipeline.Iface, int(f.Fd()), e.InodeNumber)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "inode %d: %v\n", e.InodeNumber, err)
					continue
				}
				fmt.Fprintln(out, path)
			}
			return nil
		},
	}
}
