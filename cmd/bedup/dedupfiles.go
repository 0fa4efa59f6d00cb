package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup/clonepath"
	"github.com/g2p/bedup/lock"
	"github.com/g2p/bedup/store"
)

func newDedupFilesCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "dedup-files FILE FILE...",
		Short: "Run the safe-locker, comparator, and cloner on an explicit file set, bypassing the index",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var targets []lock.Target
			for i, path := range args {
				abs, err := filepath.Abs(path)
				if err != nil {
					return fmt.Errorf("resolve %q: %w", path, err)
				}
				st, err := os.Stat(abs)
				if err != nil {
					return fmt.Errorf("stat %q: %w", path, err)
				}
				targets = append(targets, lock.Target{
					Key:           store.InodeKey{InodeNumber: uint64(i)},
					Path:          abs,
					ExpectedSize:  uint64(st.Size()),
					ExpectedMTime: st.ModTime().UTC(),
				})
			}

			res, err := env.pipeline.Locker.Lock(targets)
			if err != nil {
				return fmt.Errorf("lock: %w", err)
			}
			defer func() {
				for _, h := range res.Locked {
					env.pipeline.Locker.Release(h)
				}
			}()
			for key, ferr := range res.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", args[key.InodeNumber], ferr)
			}
			if len(res.Locked) < 2 {
				return fmt.Errorf("fewer than two files survived locking")
			}

			pathByKey := make(map[store.InodeKey]string, len(targets))
			for i, t := range targets {
				pathByKey[t.Key] = args[i]
			}

			cloner := &clonepath.Cloner{Iface: env.pipeline.Iface, NoCrossVol: noCrossVol, Defrag: defrag}
			ref := res.Locked[0]
			for _, cand := range res.Locked[1:] {
				eq, err := env.pipeline.Comparator.Equal(ref.File, cand.File)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: compare error: %v\n", pathByKey[cand.Key], err)
					continue
				}
				if !eq {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: mismatch\n", pathByKey[cand.Key])
					continue
				}
				size, _ := ref.File.Stat()
				if err := cloner.Clone(ref, uint64(size.Size()), pathByKey[cand.Key]); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: clone failed: %v\n", pathByKey[cand.Key], err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cloned %s onto %s\n", pathByKey[cand.Key], pathByKey[ref.Key])
			}
			return nil
		},
	}
}
