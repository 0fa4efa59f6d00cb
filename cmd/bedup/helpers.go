package main

import (
	"fmt"

	"github.com/g2p/bedup/store"
	"github.com/g2p/bedup/volume"
)

// resolveArgs resolves a list of CLI volume references (paths, /dev/...
// entries, or filesystem UUIDs) into Mounted volumes.
func resolveArgs(env *appEnv, refs []string) ([]volume.Mounted, error) {
	var out []volume.Mounted
	for _, ref := range refs {
		m, err := env.pipeline.Resolver.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", ref, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// parseVolumeKeys turns the same CLI refs into durable store.VolumeKey
// values, for subcommands that operate on the index rather than a live
// mount (forget).
func parseVolumeKeys(env *appEnv, refs []string) ([]store.VolumeKey, error) {
	if len(refs) == 0 {
		vols, err := env.store.ListVolumes()
		if err != nil {
			return nil, err
		}
		keys := make([]store.VolumeKey, 0, len(vols))
		for _, v := range vols {
			keys = append(keys, v.Key)
		}
		return keys, nil
	}
	mounts, err := resolveArgs(env, refs)
	if err != nil {
		return nil, err
	}
	keys := make([]store.VolumeKey, 0, len(mounts))
	for _, m := range mounts {
		keys = append(keys, m.Key)
	}
	return keys, nil
}
