package volume

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup/ioctl"
)

func inodeRefItem(inodeNumber, parentID uint64, name string) ioctl.SearchItem {
	data := make([]byte, 10+len(name))
	binary.LittleEndian.PutUint16(data[8:10], uint16(len(name)))
	copy(data[10:], name)
	return ioctl.SearchItem{ObjectID: inodeNumber, Type: btrfsInodeRefKey, Offset: parentID, Data: data}
}

func TestResolveInodePathAtSubvolRoot(t *testing.T) {
	fake := ioctl.NewFake()
	fake.Items[1] = []ioctl.SearchItem{inodeRefItem(300, btrfsRootObjectID, "file.txt")}

	path, err := ResolveInodePath(fake, 1, 300)
	require.NoError(t, err)
	require.Equal(t, "file.txt", path)
}

func TestResolveInodePathNested(t *testing.T) {
	fake := ioctl.NewFake()
	fake.Items[1] = []ioctl.SearchItem{inodeRefItem(300, 257, "file.txt")}
	fake.InoNames[1] = map[uint64]ioctl.InoLookupResult{
		257: {TreeID: 0, Name: "sub/dir"},
	}

	path, err := ResolveInodePath(fake, 1, 300)
	require.NoError(t, err)
	require.Equal(t, "sub/dir/file.txt", path)
}

func TestResolveInodePathMissing(t *testing.T) {
	fake := ioctl.NewFake()
	_, err := ResolveInodePath(fake, 1, 999)
	require.Error(t, err)
}
