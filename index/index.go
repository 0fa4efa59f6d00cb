// Package index turns the store's per-inode records into the same-size
// equivalence classes the orchestrator drives (§4.D), plus the
// supplemented cheap sampled-digest pre-filter that narrows a class
// before the mandatory whole-file compare in package clonepath ever
// runs. Neither stage is an equality authority: both only decide which
// candidates are worth comparing byte-for-byte.
package index

import (
	"encoding/hex"
	"io"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/g2p/bedup/scan"
	"github.com/g2p/bedup/store"
)

// excludedFlags are the btrfs_inode_item flags §4.D excludes at
// insertion time: NODATACOW/NODATASUM inodes never participate in a
// class, since their extents aren't meant to be shared via reflink.
const excludedFlags = scan.InodeFlagNoDataCow | scan.InodeFlagNoDataSum

// eligible reports whether rec still belongs in a class: it must not
// carry an excluded flag, and it must not already be recorded as
// compared at its current generation — §3's invariant that a record
// "will not be re-considered until it changes again".
func eligible(rec store.InodeRecord) bool {
	if rec.Flags&excludedFlags != 0 {
		return false
	}
	return rec.Generation != rec.LastComparedGeneration
}

// sampleSize is how many leading bytes the pre-filter digest covers —
// enough to distinguish most non-matching files cheaply without reading
// whole files before the comparator needs to.
const sampleSize = 4096

// Class is one same-size equivalence class, members ordered by
// (volume_id, inode_number) for deterministic, testable runs.
type Class struct {
	Size    uint64
	Members []store.InodeRecord
}

func sortMembers(members []store.InodeRecord) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i].Key, members[j].Key
		if a.Volume.String() != b.Volume.String() {
			return a.Volume.String() < b.Volume.String()
		}
		return a.InodeNumber < b.InodeNumber
	})
}

// BuildClasses groups records by size, excluding size 0, anything below
// minSize, singletons, NODATACOW/NODATASUM inodes, and inodes already
// compared at their current generation, and returns classes sorted by
// descending size so the orchestrator processes the biggest payoff
// first (§4.G step 4).
func BuildClasses(groups map[uint64][]store.InodeRecord, minSize uint64) []Class {
	var classes []Class
	for size, members := range groups {
		if size == 0 || size < minSize {
			continue
		}
		var cp []store.InodeRecord
		for _, rec := range members {
			if eligible(rec) {
				cp = append(cp, rec)
			}
		}
		if len(cp) < 2 {
			continue
		}
		sortMembers(cp)
		classes = append(classes, Class{Size: size, Members: cp})
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Size > classes[j].Size })
	return classes
}

// SampledDigest hashes up to sampleSize leading bytes of r with blake3.
// It is a cost-reduction key only; the comparator remains the sole
// authority on byte equality.
func SampledDigest(r io.Reader) (string, error) {
	buf := make([]byte, sampleSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	sum := blake3.Sum256(buf[:n])
	return hex.EncodeToString(sum[:]), nil
}

// Opener opens a readable stream for an inode record's current content,
// typically backed by a path resolved via the volume's ino_lookup.
type Opener func(store.InodeKey) (io.ReadCloser, error)

// RefineBySampledDigest splits each class into sub-classes whose members
// share a sampled digest, dropping any resulting singleton. A member
// that fails to open is dropped from consideration, not treated as an
// error: this stage is a pure pre-filter and failures here are
// re-discovered (and properly classified) by the safe-locker.
func RefineBySampledDigest(classes []Class, open Opener) []Class {
	var out []Class
	for _, c := range classes {
		byDigest := make(map[string][]store.InodeRecord)
		for _, rec := range c.Members {
			rc, err := open(rec.Key)
			if err != nil {
				continue
			}
			digest, err := SampledDigest(rc)
			rc.Close()
			if err != nil {
				continue
			}
			byDigest[digest] = append(byDigest[digest], rec)
		}
		for _, members := range byDigest {
			if len(members) < 2 {
				continue
			}
			sortMembers(members)
			out = append(out, Class{Size: c.Size, Members: members})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out
}
