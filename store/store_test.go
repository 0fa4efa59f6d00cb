package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVolumeKeyRoundTrip(t *testing.T) {
	k := VolumeKey{FSUUID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", RootID: 256}
	parsed, err := ParseVolumeKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)
}

func TestCommitScanIsAtomicWithWatermark(t *testing.T) {
	s := openTestStore(t)
	key := VolumeKey{FSUUID: "fs1", RootID: 5}

	err := s.CommitScan(key, []InodeRecord{
		{Key: InodeKey{Volume: key, InodeNumber: 100}, Size: 1024, Generation: 10},
		{Key: InodeKey{Volume: key, InodeNumber: 101}, Size: 1024, Generation: 10},
	}, nil, 10)
	require.NoError(t, err)

	v, ok, err := s.GetVolume(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, v.LastTrackedGeneration)

	records, err := s.ListInodeRecords(key, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestCommitScanRemovesVanishedInodes(t *testing.T) {
	s := openTestStore(t)
	key := VolumeKey{FSUUID: "fs1", RootID: 5}

	require.NoError(t, s.CommitScan(key, []InodeRecord{
		{Key: InodeKey{Volume: key, InodeNumber: 1}, Size: 10, Generation: 1},
		{Key: InodeKey{Volume: key, InodeNumber: 2}, Size: 10, Generation: 1},
	}, nil, 1))

	require.NoError(t, s.CommitScan(key, nil, []uint64{1}, 2))

	records, err := s.ListInodeRecords(key, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 2, records[0].Key.InodeNumber)
}

func TestGroupBySizeExcludesDifferentSizes(t *testing.T) {
	s := openTestStore(t)
	key := VolumeKey{FSUUID: "fs1", RootID: 1}
	require.NoError(t, s.CommitScan(key, []InodeRecord{
		{Key: InodeKey{Volume: key, InodeNumber: 1}, Size: 100},
		{Key: InodeKey{Volume: key, InodeNumber: 2}, Size: 100},
		{Key: InodeKey{Volume: key, InodeNumber: 3}, Size: 200},
	}, nil, 1))

	groups, err := s.GroupBySize([]VolumeKey{key}, 0)
	require.NoError(t, err)
	require.Len(t, groups[100], 2)
	require.Len(t, groups[200], 1)
}

func TestForgetVolumeResetsWatermarkAndRecords(t *testing.T) {
	s := openTestStore(t)
	key := VolumeKey{FSUUID: "fs1", RootID: 1}
	require.NoError(t, s.CommitScan(key, []InodeRecord{
		{Key: InodeKey{Volume: key, InodeNumber: 1}, Size: 10},
	}, nil, 42))

	require.NoError(t, s.ForgetVolume(key))

	v, ok, err := s.GetVolume(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, v.LastTrackedGeneration)

	records, err := s.ListInodeRecords(key, 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDedupEventSpaceGain(t *testing.T) {
	s := openTestStore(t)
	key := VolumeKey{FSUUID: "fs1", RootID: 1}

	_, err := s.AppendDedupEvent(DedupEvent{
		FSUUID:    "fs1",
		ItemSize:  4096,
		Timestamp: time.Now(),
		Inodes: []DedupEventInode{
			{Volume: key, InodeNumber: 1},
			{Volume: key, InodeNumber: 2},
			{Volume: key, InodeNumber: 3},
		},
	})
	require.NoError(t, err)

	total, err := s.EstimatedSpaceReclaimed("fs1")
	require.NoError(t, err)
	require.EqualValues(t, 4096*2, total)
}

func TestMarkOfflineRetainsRecords(t *testing.T) {
	s := openTestStore(t)
	key := VolumeKey{FSUUID: "fs1", RootID: 1}
	require.NoError(t, s.CommitScan(key, []InodeRecord{
		{Key: InodeKey{Volume: key, InodeNumber: 1}, Size: 10},
	}, nil, 1))

	require.NoError(t, s.MarkOffline(key))

	v, ok, err := s.GetVolume(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, v.Online)

	records, err := s.ListInodeRecords(key, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
