package volume

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/g2p/bedup/ioctl"
)

// btrfsInodeRefKey is BTRFS_INODE_REF_KEY: one (parent_dir_objectid,
// name) hardlink entry for an inode, keyed with offset == parent dir id.
const btrfsInodeRefKey = 12

// ResolveInodePath turns an inode number back into a path relative to
// fd's subvolume root. It finds one INODE_REF item for the inode (any
// hardlink works) to get its immediate parent directory and name, then
// asks INO_LOOKUP to resolve that parent directory's full path — the
// kernel walks the rest of the chain for us.
func ResolveInodePath(iface ioctl.Interface, fd int, inodeNumber uint64) (string, error) {
	key := ioctl.SearchKey{
		MinObjectID: inodeNumber,
		MaxObjectID: inodeNumber,
		MinType:     btrfsInodeRefKey,
		MaxType:     btrfsInodeRefKey,
		MaxOffset:   ^uint64(0),
		NrItems:     8,
	}

	var parentID uint64
	var name string
	found := false
	err := ioctl.IterateTreeSearch(iface, fd, key, func(item ioctl.SearchItem) bool {
		if item.Type != btrfsInodeRefKey || len(item.Data) < 10 {
			return true
		}
		nameLen := int(binary.LittleEndian.Uint16(item.Data[8:10]))
		if len(item.Data) < 10+nameLen {
			return true
		}
		name = string(item.Data[10 : 10+nameLen])
		parentID = item.Offset
		found = true
		return false
	})
	if err != nil {
		return "", fmt.Errorf("resolve path for inode %d: %w", inodeNumber, err)
	}
	if !found {
		return "", fmt.Errorf("no inode_ref found for inode %d", inodeNumber)
	}

	if parentID == btrfsRootObjectID {
		return name, nil
	}

	res, err := iface.InoLookup(fd, parentID)
	if err != nil {
		return "", fmt.Errorf("ino_lookup parent dir %d: %w", parentID, err)
	}
	return filepath.Join(res.Name, name), nil
}
