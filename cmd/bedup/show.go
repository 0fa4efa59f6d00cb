package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShowCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List known volumes, their tracking watermarks, and cumulative estimated space reclaimed",
		RunE: func(cmd *cobra.Command, args []string) error {
			vols, err := env.store.ListVolumes()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			seenFS := make(map[string]bool)
			for _, v := range vols {
				status := "online"
				if !v.Online {
					status = "offline"
				}
				if v.ReadOnly {
					status += ",ro"
				}
				fmt.Fprintf(out, "%s\t%s\twatermark=%d\t%s\n", v.Key.String(), v.MountPath, v.LastTrackedGeneration, status)
				seenFS[v.Key.FSUUID] = true
			}
			for fsUUID := range seenFS {
				gain, err := env.store.EstimatedSpaceReclaimed(fsUUID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "filesystem %s: estimated %d bytes reclaimed\n", fsUUID, gain)
			}
			return nil
		},
	}
}
