package orchestrator

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup/clonepath"
	"github.com/g2p/bedup/errkind"
	"github.com/g2p/bedup/index"
	"github.com/g2p/bedup/ioctl"
	"github.com/g2p/bedup/lock"
	"github.com/g2p/bedup/store"
)

const btrfsInodeRefKey = 12
const btrfsRootObjectID = 256

func inodeRefItem(inodeNumber uint64, name string) ioctl.SearchItem {
	data := make([]byte, 10+len(name))
	binary.LittleEndian.PutUint16(data[8:10], uint16(len(name)))
	copy(data[10:], name)
	return ioctl.SearchItem{ObjectID: inodeNumber, Type: btrfsInodeRefKey, Offset: btrfsRootObjectID, Data: data}
}

func setupPipeline(t *testing.T, dir string, names []string, content []byte) (*Pipeline, index.Class, map[store.VolumeKey]*os.File, map[store.VolumeKey]string) {
	t.Helper()

	volKey := store.VolumeKey{FSUUID: "fs1", RootID: 5}
	f, err := os.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	fd := int(f.Fd())

	fake := ioctl.NewFake()
	var items []ioctl.SearchItem
	var members []store.InodeRecord
	for i, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0644))
		inode := uint64(10 + i)
		items = append(items, inodeRefItem(inode, name))
		st, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		members = append(members, store.InodeRecord{
			Key:        store.InodeKey{Volume: volKey, InodeNumber: inode},
			Size:       uint64(len(content)),
			MTime:      st.ModTime().UTC(),
			Generation: 1,
		})
	}
	fake.Items[fd] = items

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CommitScan(volKey, members, nil, 1))

	p := &Pipeline{
		Store:      st,
		Iface:      fake,
		Locker:     &lock.Locker{Iface: fake},
		Comparator: clonepath.NewComparator(),
	}
	class := index.Class{Size: uint64(len(content)), Members: members}
	volFDs := map[store.VolumeKey]*os.File{volKey: f}
	mountPaths := map[store.VolumeKey]string{volKey: dir}
	return p, class, volFDs, mountPaths
}

func TestProcessClassClonesEqualFiles(t *testing.T) {
	dir := t.TempDir()
	content := []byte("duplicate content")
	p, class, volFDs, mountPaths := setupPipeline(t, dir, []string{"a", "b"}, content)

	fake := p.Iface.(*ioctl.Fake)
	cloner := &clonepath.Cloner{Iface: fake}

	var outcome Outcome
	p.processClass(class, volFDs, mountPaths, cloner, &outcome)

	require.Equal(t, 1, outcome.Cloned)
	require.Len(t, fake.Clones, 1)

	records, err := p.Store.ListInodeRecords(class.Members[0].Key.Volume, 0)
	require.NoError(t, err)
	for _, rec := range records {
		require.EqualValues(t, 1, rec.LastComparedGeneration)
	}
}

func TestProcessClassIsIdempotentOnSecondPass(t *testing.T) {
	dir := t.TempDir()
	content := []byte("duplicate content")
	p, class, volFDs, mountPaths := setupPipeline(t, dir, []string{"a", "b"}, content)

	fake := p.Iface.(*ioctl.Fake)
	cloner := &clonepath.Cloner{Iface: fake}

	var outcome Outcome
	p.processClass(class, volFDs, mountPaths, cloner, &outcome)
	require.Equal(t, 1, outcome.Cloned)
	require.Len(t, fake.Clones, 1)

	// A second pass over the same, now-unmodified tree must re-read the
	// store's updated records, form no class, and clone nothing: §3's
	// invariant that a compared-and-unchanged inode "will not be
	// re-considered until it changes again", and §8 scenario 5's "second
	// run performs zero clones and reads no file contents".
	volKey := class.Members[0].Key.Volume
	grouped, err := p.Store.GroupBySize([]store.VolumeKey{volKey}, 0)
	require.NoError(t, err)
	classes := index.BuildClasses(grouped, 0)
	require.Empty(t, classes, "second pass over an unmodified tree must form no classes")

	var outcome2 Outcome
	for _, c := range classes {
		p.processClass(c, volFDs, mountPaths, cloner, &outcome2)
	}
	require.Equal(t, 0, outcome2.Cloned)
	require.Len(t, fake.Clones, 1, "no new clone ioctl should be issued on the second pass")
}

func TestProcessClassSkipsMismatchedContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("aaaaaaaaaa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("bbbbbbbbbb"), 0644))

	volKey := store.VolumeKey{FSUUID: "fs1", RootID: 5}
	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	fake := ioctl.NewFake()
	fake.Items[fd] = []ioctl.SearchItem{inodeRefItem(10, "a"), inodeRefItem(11, "b")}

	statA, err := os.Stat(filepath.Join(dir, "a"))
	require.NoError(t, err)
	statB, err := os.Stat(filepath.Join(dir, "b"))
	require.NoError(t, err)

	members := []store.InodeRecord{
		{Key: store.InodeKey{Volume: volKey, InodeNumber: 10}, Size: 10, MTime: statA.ModTime().UTC(), Generation: 1},
		{Key: store.InodeKey{Volume: volKey, InodeNumber: 11}, Size: 10, MTime: statB.ModTime().UTC(), Generation: 1},
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.CommitScan(volKey, members, nil, 1))

	p := &Pipeline{Store: st, Iface: fake, Locker: &lock.Locker{Iface: fake}, Comparator: clonepath.NewComparator()}
	class := index.Class{Size: 10, Members: members}
	volFDs := map[store.VolumeKey]*os.File{volKey: f}
	mountPaths := map[store.VolumeKey]string{volKey: dir}
	cloner := &clonepath.Cloner{Iface: fake}

	var outcome Outcome
	p.processClass(class, volFDs, mountPaths, cloner, &outcome)

	require.Equal(t, 0, outcome.Cloned)
	require.Equal(t, 1, outcome.Mismatch)
	require.Empty(t, fake.Clones)
}

func TestOutcomeCountMapsEveryKind(t *testing.T) {
	var o Outcome
	o.count(errkind.Busy)
	o.count(errkind.Changed)
	o.count(errkind.Vanished)
	o.count(errkind.Permission)
	o.count(errkind.Mismatch)
	o.count(errkind.Unsupported)
	o.count(errkind.IoError)
	o.count(errkind.StoreError) // unmapped kinds fall back to IoError

	require.Equal(t, Outcome{
		Busy: 1, Changed: 1, Vanished: 1, Permission: 1,
		Mismatch: 1, Unsupported: 1, IoError: 2,
	}, o)
}
