package clonepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/g2p/bedup/ioctl"
	"github.com/g2p/bedup/lock"
	"github.com/g2p/bedup/store"
)

func openFile(t *testing.T, dir, name string, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestComparatorEqualContent(t *testing.T) {
	dir := t.TempDir()
	a := openFile(t, dir, "a", []byte("same content"))
	b := openFile(t, dir, "b", []byte("same content"))

	eq, err := NewComparator().Equal(a, b)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestComparatorMismatchIsNotError(t *testing.T) {
	dir := t.TempDir()
	a := openFile(t, dir, "a", []byte("hello world!"))
	b := openFile(t, dir, "b", []byte("hello warld!"))

	eq, err := NewComparator().Equal(a, b)
	require.NoError(t, err)
	require.False(t, eq)
}

func TestComparatorCrossesBlockBoundaries(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 3*7)
	for i := range big {
		big[i] = byte(i)
	}
	a := openFile(t, dir, "a", big)
	b := openFile(t, dir, "b", big)

	cmp := &Comparator{BlockSize: 7}
	eq, err := cmp.Equal(a, b)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestCloneClearsAndRestoresImmutable(t *testing.T) {
	dir := t.TempDir()
	refPath := filepath.Join(dir, "ref")
	dstPath := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(refPath, []byte("content"), 0644))
	require.NoError(t, os.WriteFile(dstPath, []byte("content"), 0644))

	refFile, err := os.Open(refPath)
	require.NoError(t, err)
	defer refFile.Close()

	fake := ioctl.NewFake()
	dstProbe, err := os.OpenFile(dstPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	probeFd := int(dstProbe.Fd())
	require.NoError(t, fake.SetFlags(probeFd, ioctl.FS_IMMUTABLE_FL))
	dstProbe.Close()

	ref := &lock.Handle{
		Key:  store.InodeKey{InodeNumber: 1},
		File: refFile,
	}
	cloner := &Cloner{Iface: fake}
	err = cloner.Clone(ref, 7, dstPath)
	require.NoError(t, err)
	require.Len(t, fake.Clones, 1)
	require.Equal(t, ioctl.FS_IMMUTABLE_FL, fake.Flags[probeFd], "the destination's immutable bit is restored after the clone")
}

func TestCanPairSameVolumeAlwaysAllowed(t *testing.T) {
	cloner := &Cloner{NoCrossVol: true}
	key := store.VolumeKey{FSUUID: "fs1", RootID: 5}
	require.True(t, cloner.CanPair(key, key))
}

func TestCanPairDifferentVolumeBlockedByNoCrossVol(t *testing.T) {
	cloner := &Cloner{NoCrossVol: true}
	a := store.VolumeKey{FSUUID: "fs1", RootID: 5}
	b := store.VolumeKey{FSUUID: "fs1", RootID: 6}
	require.False(t, cloner.CanPair(a, b))
}

func TestDefragIfSupportedSwallowsENOTTY(t *testing.T) {
	fake := ioctl.NewFake()
	fake.FailClone = nil
	cloner := &Cloner{Iface: &failingDefragFake{Fake: fake}, Defrag: true}
	cloner.defragIfSupported(3, 100) // must not panic despite ENOTTY
}

type failingDefragFake struct{ *ioctl.Fake }

func (f *failingDefragFake) DefragRange(fd int, start, length uint64, flags uint64) error {
	return unix.ENOTTY
}
