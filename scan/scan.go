// Package scan implements the incremental change scanner (§4.C): one
// TREE_SEARCH walk of a subvolume's FS_TREE filtered by min_transid,
// decoding btrfs_inode_item payloads directly rather than doing a
// directory walk — the tree search is itself the enumeration.
package scan

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/g2p/bedup/ioctl"
)

const (
	// btrfsRootTreeObjectID is the tree id of the filesystem's root tree,
	// the one place a subvolume's own generation stamp can be read from.
	btrfsRootTreeObjectID = 1
	// fsTreeSelf is the tree_id value meaning "the tree the search fd is
	// itself rooted in" rather than an explicit tree id.
	fsTreeSelf = 0

	inodeItemKey = 1
	rootItemKey  = 132

	firstFreeObjectID = 256

	modeFmt = 0170000
	modeReg = 0100000
)

// Inode flag bits from btrfs_inode_item.flags (enum btrfs_inode_flags).
// BuildClasses uses NoDataCow/NoDataSum to exclude inodes §4.D excludes
// from the index.
const (
	InodeFlagNoDataSum uint64 = 1 << 0
	InodeFlagNoDataCow uint64 = 1 << 1
)

// btrfsInodeItem is the on-disk layout of struct btrfs_inode_item:
// generation, transid, size, nbytes, block_group, nlink/uid/gid/mode,
// rdev, flags, sequence, 4 reserved u64s, then atime/ctime/mtime/otime
// (each a 12-byte {sec int64, nsec uint32} btrfs_timespec). 160 bytes.
const inodeItemSize = 160

// Event is one changed regular-file inode the scanner emits.
type Event struct {
	InodeNumber uint64
	Size        uint64
	Generation  uint64
	Flags       uint64
	MTime       time.Time
}

// Scanner walks one subvolume's FS_TREE through the ioctl layer.
type Scanner struct {
	Iface ioctl.Interface
}

func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func decodeInodeItem(data []byte) (size, generation uint64, mode uint32, flags uint64, mtime time.Time, ok bool) {
	if len(data) < inodeItemSize {
		return 0, 0, 0, 0, time.Time{}, false
	}
	generation = le64(data[0:8])
	size = le64(data[16:24])
	mode = le32(data[52:56])
	flags = le64(data[64:72])
	sec := int64(le64(data[136:144]))
	nsec := int64(le32(data[144:148]))
	mtime = time.Unix(sec, nsec).UTC()
	return size, generation, mode, flags, mtime, true
}

// CurrentGeneration reads rootID's own generation stamp out of the
// filesystem's root tree. This is the "snapshot_txid" §4.C commits as
// the new watermark: it is always ≤ the filesystem's live transaction
// counter, so using it as min_transid next pass never skips a write
// that landed after this scan started.
func (s *Scanner) CurrentGeneration(fd int, rootID uint64) (uint64, error) {
	key := ioctl.SearchKey{
		TreeID:      btrfsRootTreeObjectID,
		MinObjectID: rootID,
		MaxObjectID: rootID,
		MinType:     rootItemKey,
		MaxType:     rootItemKey,
		MaxOffset:   ^uint64(0),
		NrItems:     16,
	}
	var generation uint64
	var found bool
	err := ioctl.IterateTreeSearch(s.Iface, fd, key, func(item ioctl.SearchItem) bool {
		if item.Type != rootItemKey || item.ObjectID != rootID {
			return true
		}
		// btrfs_root_item embeds a btrfs_inode_item (160 bytes) followed
		// immediately by its own __le64 generation field.
		if len(item.Data) >= inodeItemSize+8 {
			generation = le64(item.Data[inodeItemSize : inodeItemSize+8])
			found = true
		}
		return false
	})
	if err != nil {
		return 0, fmt.Errorf("read root generation for root %d: %w", rootID, err)
	}
	if !found {
		return 0, fmt.Errorf("root item for root %d not found", rootID)
	}
	return generation, nil
}

// Scan walks fd's FS_TREE for inode items with transid ≥ minTransID,
// returning every changed regular-file inode plus the generation to
// commit as the new watermark.
func (s *Scanner) Scan(fd int, rootID uint64, minTransID uint64) ([]Event, uint64, error) {
	snapshotGeneration, err := s.CurrentGeneration(fd, rootID)
	if err != nil {
		return nil, 0, err
	}

	key := ioctl.SearchKey{
		TreeID:      fsTreeSelf,
		MinObjectID: firstFreeObjectID,
		MaxObjectID: ^uint64(0),
		MinType:     inodeItemKey,
		MaxType:     inodeItemKey,
		MaxOffset:   ^uint64(0),
		MinTransID:  minTransID,
		NrItems:     256,
	}

	var events []Event
	err = ioctl.IterateTreeSearch(s.Iface, fd, key, func(item ioctl.SearchItem) bool {
		if item.Type != inodeItemKey {
			return true
		}
		size, generation, mode, flags, mtime, ok := decodeInodeItem(item.Data)
		if !ok || mode&modeFmt != modeReg {
			return true
		}
		events = append(events, Event{
			InodeNumber: item.ObjectID,
			Size:        size,
			Generation:  generation,
			Flags:       flags,
			MTime:       mtime,
		})
		return true
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan fs tree: %w", err)
	}
	return events, snapshotGeneration, nil
}
