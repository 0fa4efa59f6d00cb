// Command bedup scans btrfs volumes for identical files and replaces
// them with reflinks, wiring cobra the way btrfs-optimize's dedupe
// command does — here the ioctl surface is BTRFS_IOC_CLONE and the
// candidates come from a persisted (fs_uuid, subvol_root_id) index
// instead of an explicit source/target pair on the command line.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/g2p/bedup/clonepath"
	"github.com/g2p/bedup/internal/config"
	"github.com/g2p/bedup/ioctl"
	"github.com/g2p/bedup/lock"
	"github.com/g2p/bedup/orchestrator"
	"github.com/g2p/bedup/store"
	"github.com/g2p/bedup/volume"
)

var version = "dev"

// appEnv is what every subcommand needs, built once in PersistentPreRunE
// after flags are parsed.
type appEnv struct {
	store    *store.Store
	pipeline *orchestrator.Pipeline
}

func (a *appEnv) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

var (
	statePath  string
	logFormat  string
	verbose    bool
	sizeCutoff uint64
	noCrossVol bool
	defrag     bool
)

func newRootCmd() *cobra.Command {
	var env appEnv

	root := &cobra.Command{
		Use:           "bedup",
		Short:         "Btrfs extent-sharing deduplicator",
		Long:          "bedup finds identical files across btrfs volumes and replaces duplicate extents with reflinks via BTRFS_IOC_CLONE.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyConfigDefaults(cfg, cmd.Flags())
			configureLogging()

			if statePath == "" {
				statePath = cfg.StatePath()
			}
			if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			st, err := store.Open(statePath)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			env.store = st

			iface := &ioctl.Real{}
			env.pipeline = &orchestrator.Pipeline{
				Store:      st,
				Resolver:   volume.NewResolver(iface),
				Iface:      iface,
				Locker:     &lock.Locker{Iface: iface},
				Comparator: clonepath.NewComparator(),
				Logger:     slog.Default(),
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			env.Close()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&statePath, "state", "", "path to the durable state store (default: XDG state dir)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().Uint64Var(&sizeCutoff, "size-cutoff", 8192, "ignore files smaller than this many bytes")
	root.PersistentFlags().BoolVar(&noCrossVol, "no-crossvol", false, "never clone across subvolume boundaries")
	root.PersistentFlags().BoolVar(&defrag, "defrag", false, "defragment files before comparing/cloning")

	root.AddCommand(
		newScanCmd(&env),
		newDedupCmd(&env),
		newDedupFilesCmd(&env),
		newShowCmd(&env),
		newFindNewCmd(&env),
		newForgetCmd(&env),
	)
	return root
}

// applyConfigDefaults fills in any flag the user didn't pass on the
// command line with the config file's value; an explicit flag always
// wins.
func applyConfigDefaults(cfg config.Config, flags *pflag.FlagSet) {
	if cfg.Defaults.SizeCutoff != nil && !flags.Changed("size-cutoff") {
		sizeCutoff = *cfg.Defaults.SizeCutoff
	}
	if cfg.Defaults.NoCrossVol != nil && !flags.Changed("no-crossvol") {
		noCrossVol = *cfg.Defaults.NoCrossVol
	}
	if cfg.Defaults.Defrag != nil && !flags.Changed("defrag") {
		defrag = *cfg.Defaults.Defrag
	}
	if cfg.Defaults.LogFormat != nil && !flags.Changed("log-format") {
		logFormat = *cfg.Defaults.LogFormat
	}
}

func configureLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bedup:", err)
		os.Exit(1)
	}
}
