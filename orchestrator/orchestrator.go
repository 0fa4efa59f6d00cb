// Package orchestrator drives the per-pass algorithm of §4.G: scan the
// selected volumes, ask the index for same-size classes, lock, compare,
// clone, and record results, enforcing the per-class and per-pass
// failure policy of §7.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/g2p/bedup/clonepath"
	"github.com/g2p/bedup/errkind"
	"github.com/g2p/bedup/index"
	"github.com/g2p/bedup/ioctl"
	"github.com/g2p/bedup/lock"
	"github.com/g2p/bedup/scan"
	"github.com/g2p/bedup/store"
	"github.com/g2p/bedup/volume"
)

// Options are the per-pass knobs §6's `dedup` subcommand exposes.
type Options struct {
	SizeCutoff       uint64
	NoCrossVol       bool
	Defrag           bool
	SampledPrefilter bool
}

// Outcome is the pass summary §4.G step 5 calls for: counts per
// categorical failure plus successful clones.
type Outcome struct {
	Cloned      int
	Mismatch    int
	Busy        int
	Changed     int
	Vanished    int
	Permission  int
	IoError     int
	Unsupported int
}

func (o *Outcome) count(kind errkind.Kind) {
	switch kind {
	case errkind.Busy:
		o.Busy++
	case errkind.Changed:
		o.Changed++
	case errkind.Vanished:
		o.Vanished++
	case errkind.Permission:
		o.Permission++
	case errkind.Mismatch:
		o.Mismatch++
	case errkind.Unsupported:
		o.Unsupported++
	default:
		o.IoError++
	}
}

// Pipeline wires every component-design package into the per-pass
// algorithm. Callers construct it once per run with real or fake
// collaborators; nothing here knows about flags or terminals.
type Pipeline struct {
	Store      *store.Store
	Resolver   *volume.Resolver
	Iface      ioctl.Interface
	Locker     *lock.Locker
	Comparator *clonepath.Comparator
	Logger     *slog.Logger

	// progress, if set, is called once per class processed.
	Progress func(done, total int)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// resolveRefs turns CLI volume references into mounted volumes,
// defaulting to every mounted btrfs volume when refs is empty.
func (p *Pipeline) resolveRefs(refs []string) ([]volume.Mounted, error) {
	if len(refs) == 0 {
		return p.Resolver.ListMounted()
	}
	var out []volume.Mounted
	for _, ref := range refs {
		m, err := p.Resolver.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", ref, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ScanVolume runs the incremental scanner on one volume and commits its
// results atomically with the new watermark.
func (p *Pipeline) ScanVolume(mounted volume.Mounted) error {
	f, err := os.Open(mounted.MountPath)
	if err != nil {
		return errkind.WrapPath("open", errkind.IoError, mounted.MountPath, err)
	}
	defer f.Close()

	v, _, err := p.Store.GetVolume(mounted.Key)
	if err != nil {
		return errkind.Wrap("get_volume", errkind.StoreError, err)
	}

	scanner := &scan.Scanner{Iface: p.Iface}
	events, watermark, err := scanner.Scan(int(f.Fd()), mounted.Key.RootID, v.LastTrackedGeneration+1)
	if err != nil {
		return errkind.Wrap("scan", errkind.IoError, err)
	}

	records := make([]store.InodeRecord, 0, len(events))
	for _, e := range events {
		records = append(records, store.InodeRecord{
			Key:        store.InodeKey{Volume: mounted.Key, InodeNumber: e.InodeNumber},
			Size:       e.Size,
			MTime:      e.MTime,
			Generation: e.Generation,
			Flags:      e.Flags,
		})
	}
	if err := p.Store.CommitScan(mounted.Key, records, nil, watermark); err != nil {
		return errkind.Wrap("commit_scan", errkind.StoreError, err)
	}

	v.Key = mounted.Key
	v.MountPath = mounted.MountPath
	v.ReadOnly = mounted.ReadOnly
	v.TrackingEnabled = true
	v.Online = true
	v.LastTrackedGeneration = watermark
	if err := p.Store.UpsertVolume(v); err != nil {
		return errkind.Wrap("upsert_volume", errkind.StoreError, err)
	}

	p.logger().Info("scan complete", "volume", mounted.Key.String(), "changed", len(events), "watermark", watermark)
	return nil
}

// Dedup runs one full scan+dedup pass over refs (every mounted volume if
// empty) and returns the outcome summary.
func (p *Pipeline) Dedup(ctx context.Context, refs []string, opts Options) (Outcome, error) {
	var outcome Outcome

	mounts, err := p.resolveRefs(refs)
	if err != nil {
		return outcome, err
	}

	volFDs := make(map[store.VolumeKey]*os.File)
	mountPaths := make(map[store.VolumeKey]string)
	defer func() {
		for _, f := range volFDs {
			f.Close()
		}
	}()

	var selected []store.VolumeKey
	for _, m := range mounts {
		if m.ReadOnly {
			p.logger().Info("skipping read-only volume", "volume", m.Key.String())
			continue
		}
		if err := p.ScanVolume(m); err != nil {
			if errkind.Is(err, errkind.StoreError) || errkind.Is(err, errkind.Unsupported) {
				return outcome, err
			}
			p.logger().Warn("scan failed", "volume", m.Key.String(), "error", err)
			continue
		}
		f, err := os.Open(m.MountPath)
		if err != nil {
			continue
		}
		volFDs[m.Key] = f
		mountPaths[m.Key] = m.MountPath
		selected = append(selected, m.Key)
	}

	groups, err := p.Store.GroupBySize(selected, opts.SizeCutoff)
	if err != nil {
		return outcome, errkind.Wrap("group_by_size", errkind.StoreError, err)
	}
	classes := index.BuildClasses(groups, opts.SizeCutoff)
	if opts.SampledPrefilter {
		classes = index.RefineBySampledDigest(classes, p.sampleOpener(volFDs, mountPaths))
	}

	cloner := &clonepath.Cloner{Iface: p.Iface, NoCrossVol: opts.NoCrossVol, Defrag: opts.Defrag}

	for i, class := range classes {
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		default:
		}
		p.processClass(class, volFDs, mountPaths, cloner, &outcome)
		if p.Progress != nil {
			p.Progress(i+1, len(classes))
		}
	}

	p.logger().Info("dedup pass complete",
		"classes", len(classes), "cloned", outcome.Cloned, "mismatch", outcome.Mismatch,
		"busy", outcome.Busy, "changed", outcome.Changed, "vanished", outcome.Vanished)
	return outcome, nil
}

func (p *Pipeline) sampleOpener(volFDs map[store.VolumeKey]*os.File, mountPaths map[store.VolumeKey]string) index.Opener {
	return func(ik store.InodeKey) (io.ReadCloser, error) {
		f, ok := volFDs[ik.Volume]
		if !ok {
			return nil, fmt.Errorf("volume %s not open", ik.Volume)
		}
		rel, err := volume.ResolveInodePath(p.Iface, int(f.Fd()), ik.InodeNumber)
		if err != nil {
			return nil, err
		}
		return os.Open(filepath.Join(mountPaths[ik.Volume], rel))
	}
}

// processClass locks a same-size class, reduces it to equality
// sub-classes, and clones each sub-class's members onto its reference.
func (p *Pipeline) processClass(class index.Class, volFDs map[store.VolumeKey]*os.File, mountPaths map[store.VolumeKey]string, cloner *clonepath.Cloner, outcome *Outcome) {
	generations := make(map[store.InodeKey]uint64, len(class.Members))
	var targets []lock.Target
	for _, rec := range class.Members {
		generations[rec.Key] = rec.Generation
		f, ok := volFDs[rec.Key.Volume]
		if !ok {
			continue
		}
		rel, err := volume.ResolveInodePath(p.Iface, int(f.Fd()), rec.Key.InodeNumber)
		if err != nil {
			outcome.Vanished++
			continue
		}
		targets = append(targets, lock.Target{
			Key:           rec.Key,
			Path:          filepath.Join(mountPaths[rec.Key.Volume], rel),
			ExpectedSize:  rec.Size,
			ExpectedMTime: rec.MTime,
		})
	}
	if len(targets) < 2 {
		return
	}

	res, err := p.Locker.Lock(targets)
	if err != nil {
		outcome.IoError++
		return
	}
	defer func() {
		for _, h := range res.Locked {
			p.Locker.Release(h)
		}
	}()
	for _, ferr := range res.Failed {
		if e, ok := ferr.(*errkind.Error); ok {
			outcome.count(e.Kind)
		} else {
			outcome.IoError++
		}
	}
	if len(res.Locked) < 2 {
		return
	}

	paths := make(map[store.InodeKey]string, len(targets))
	for _, t := range targets {
		paths[t.Key] = t.Path
	}

	subclasses := p.partitionByEquality(res.Locked, outcome)
	for _, sub := range subclasses {
		if len(sub) < 2 {
			continue
		}
		ref := sub[0]
		var event store.DedupEvent
		event.FSUUID = ref.Key.Volume.FSUUID
		event.ItemSize = class.Size
		event.Timestamp = time.Now()
		event.Inodes = append(event.Inodes, store.DedupEventInode{Volume: ref.Key.Volume, InodeNumber: ref.Key.InodeNumber})

		for _, cand := range sub[1:] {
			if !cloner.CanPair(ref.Key.Volume, cand.Key.Volume) {
				continue
			}
			if err := cloner.Clone(ref, class.Size, paths[cand.Key]); err != nil {
				if e, ok := err.(*errkind.Error); ok {
					outcome.count(e.Kind)
				} else {
					outcome.IoError++
				}
				continue
			}
			outcome.Cloned++
			event.Inodes = append(event.Inodes, store.DedupEventInode{Volume: cand.Key.Volume, InodeNumber: cand.Key.InodeNumber})
			if err := p.Store.SetLastComparedGeneration(cand.Key, generations[cand.Key]); err != nil {
				p.logger().Warn("failed to update last_compared_generation", "error", err)
			}
		}
		if err := p.Store.SetLastComparedGeneration(ref.Key, generations[ref.Key]); err != nil {
			p.logger().Warn("failed to update last_compared_generation", "error", err)
		}
		if len(event.Inodes) >= 2 {
			if _, err := p.Store.AppendDedupEvent(event); err != nil {
				p.logger().Warn("failed to append dedup event", "error", err)
			}
		}
	}
}

// partitionByEquality compares each locked handle against the first
// member of each bucket seen so far, grouping byte-equal files. Order
// within a class is not a correctness requirement (§4.G), only
// determinism; canonical (volume_id, inode_number) order from the index
// is preserved by construction.
func (p *Pipeline) partitionByEquality(handles []*lock.Handle, outcome *Outcome) [][]*lock.Handle {
	var buckets [][]*lock.Handle
	for _, h := range handles {
		placed := false
		for i, bucket := range buckets {
			eq, err := p.Comparator.Equal(h.File, bucket[0].File)
			if err != nil {
				outcome.IoError++
				placed = true
				break
			}
			if eq {
				buckets[i] = append(bucket, h)
				placed = true
				break
			}
			outcome.Mismatch++
		}
		if !placed {
			buckets = append(buckets, []*lock.Handle{h})
		}
	}
	return buckets
}
