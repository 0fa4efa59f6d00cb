// Package store is the durable home for everything the pipeline persists:
// the volume registry, the per-inode record table, and the dedup event
// log. It owns the schema (§3 of the design: typed rows, not a
// dynamically-introspected object graph) and is the only component that
// opens the on-disk database file, an embedded go.etcd.io/bbolt store
// under the caller-supplied state directory.
//
// Every mutation that must be atomic — absorbing a scan's new records
// together with its watermark, for instance — is a single bbolt
// transaction, so a crash mid-commit never leaves the pair inconsistent.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	volumesBucket = []byte("volumes")
	inodesBucket  = []byte("inodes")
	eventsBucket  = []byte("events")
)

// VolumeKey identifies a volume by filesystem UUID and subvolume root id;
// remounting at a different path must never produce a different key.
type VolumeKey struct {
	FSUUID string
	RootID uint64
}

func (k VolumeKey) String() string {
	return fmt.Sprintf("%s:%d", k.FSUUID, k.RootID)
}

// ParseVolumeKey is the inverse of VolumeKey.String. UUIDs never contain
// ':', so splitting on the last occurrence is unambiguous.
func ParseVolumeKey(s string) (VolumeKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return VolumeKey{}, fmt.Errorf("parse volume key %q: missing ':'", s)
	}
	rootID, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return VolumeKey{}, fmt.Errorf("parse volume key %q: %w", s, err)
	}
	return VolumeKey{FSUUID: s[:i], RootID: rootID}, nil
}

// Volume is one tracked (fs_uuid, subvol_root_id) pair and its tracking
// state. Created on first observation, never destroyed implicitly.
type Volume struct {
	Key                    VolumeKey
	MountPath              string
	LastTrackedGeneration  uint64
	LastTrackedSizeCutoff  uint64
	ReadOnly               bool
	TrackingEnabled        bool
	Online                 bool
}

// InodeKey identifies one inode record.
type InodeKey struct {
	Volume      VolumeKey
	InodeNumber uint64
}

// InodeRecord is the per-file state the scanner writes and the index and
// orchestrator read.
type InodeRecord struct {
	Key                    InodeKey
	Size                   uint64
	MTime                  time.Time
	Generation             uint64
	LastComparedGeneration uint64
	// Flags is the raw btrfs_inode_item.flags value; BuildClasses uses it
	// to exclude NODATACOW/NODATASUM inodes per §4.D.
	Flags uint64
	// MiniHash is a slot for the supplemented sampled-digest pre-filter
	// key (§4.D). The index package computes digests on the fly and does
	// not store them here, so it stays empty.
	MiniHash string
}

// DedupEventInode is one participant recorded against a DedupEvent.
type DedupEventInode struct {
	Volume      VolumeKey
	InodeNumber uint64
}

// DedupEvent is a durable record of the clones completed within one
// equality sub-class: the reference plus every member cloned onto it
// (§3 supplement, grounded on bedup's model.py).
type DedupEvent struct {
	ID        uint64
	FSUUID    string
	ItemSize  uint64
	Timestamp time.Time
	Inodes    []DedupEventInode
}

// EstimatedSpaceGain is the bytes reclaimed by this event: every
// participant beyond the first now shares the reference's extents.
func (e DedupEvent) EstimatedSpaceGain() uint64 {
	if len(e.Inodes) < 2 {
		return 0
	}
	return e.ItemSize * uint64(len(e.Inodes)-1)
}

// Store is the embedded key-value layer backing the registry and index.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database file at path and
// ensures its top-level buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	s := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{volumesBucket, inodesBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize state store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func putObject(bucket *bolt.Bucket, key []byte, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal object %q: %w", key, err)
	}
	return bucket.Put(key, data)
}

func getObject(bucket *bolt.Bucket, key []byte, obj interface{}) (bool, error) {
	data := bucket.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return false, fmt.Errorf("unmarshal object %q: %w", key, err)
	}
	return true, nil
}

// UpsertVolume creates or updates a volume's tracking metadata.
func (s *Store) UpsertVolume(v Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putObject(tx.Bucket(volumesBucket), []byte(v.Key.String()), v)
	})
}

// GetVolume returns a volume's record, or ok=false if never observed.
func (s *Store) GetVolume(key VolumeKey) (v Volume, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		found, err := getObject(tx.Bucket(volumesBucket), []byte(key.String()), &v)
		ok = found
		return err
	})
	return v, ok, err
}

// ListVolumes returns every known volume, sorted by key for determinism.
func (s *Store) ListVolumes() ([]Volume, error) {
	var out []Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(volumesBucket).ForEach(func(_, data []byte) error {
			var v Volume
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, err
}

// MarkOffline flips a volume's Online flag without discarding its
// records, per §3's "vanished volume is marked offline" invariant.
func (s *Store) MarkOffline(key VolumeKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(volumesBucket)
		var v Volume
		found, err := getObject(bucket, []byte(key.String()), &v)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		v.Online = false
		return putObject(bucket, []byte(key.String()), v)
	})
}

func inodeRecordKey(inodeNumber uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, inodeNumber)
	return b
}

func volumeInodeBucket(tx *bolt.Tx, key VolumeKey, create bool) (*bolt.Bucket, error) {
	parent := tx.Bucket(inodesBucket)
	name := []byte(key.String())
	if create {
		return parent.CreateBucketIfNotExists(name)
	}
	return parent.Bucket(name), nil
}

// CommitScan atomically absorbs one scan pass's results: upserts every
// record in updated, deletes every inode number in removed, and advances
// the volume's watermark — the pair the §3 invariant requires to commit
// together.
func (s *Store) CommitScan(key VolumeKey, updated []InodeRecord, removed []uint64, watermark uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := volumeInodeBucket(tx, key, true)
		if err != nil {
			return err
		}
		for _, rec := range updated {
			if err := putObject(bucket, inodeRecordKey(rec.Key.InodeNumber), rec); err != nil {
				return err
			}
		}
		for _, inode := range removed {
			if err := bucket.Delete(inodeRecordKey(inode)); err != nil {
				return err
			}
		}

		volBucket := tx.Bucket(volumesBucket)
		var v Volume
		found, err := getObject(volBucket, []byte(key.String()), &v)
		if err != nil {
			return err
		}
		if !found {
			v = Volume{Key: key, Online: true, TrackingEnabled: true}
		}
		v.LastTrackedGeneration = watermark
		return putObject(volBucket, []byte(key.String()), v)
	})
}

// ListInodeRecords returns every record for a volume with size ≥ minSize,
// sorted by inode number.
func (s *Store) ListInodeRecords(key VolumeKey, minSize uint64) ([]InodeRecord, error) {
	var out []InodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := volumeInodeBucket(tx, key, false)
		if err != nil {
			return err
		}
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, data []byte) error {
			var rec InodeRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.Size >= minSize {
				out = append(out, rec)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.InodeNumber < out[j].Key.InodeNumber })
	return out, err
}

// GroupBySize groups the records of size ≥ minSize across the given
// volumes by size. Singleton groups are kept; the caller drops them
// (and size 0) when it builds classes, per §3/§4.D.
func (s *Store) GroupBySize(keys []VolumeKey, minSize uint64) (map[uint64][]InodeRecord, error) {
	groups := make(map[uint64][]InodeRecord)
	for _, key := range keys {
		records, err := s.ListInodeRecords(key, minSize)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			groups[rec.Size] = append(groups[rec.Size], rec)
		}
	}
	for size, recs := range groups {
		sort.Slice(recs, func(i, j int) bool {
			ki, kj := recs[i].Key, recs[j].Key
			if ki.Volume.String() != kj.Volume.String() {
				return ki.Volume.String() < kj.Volume.String()
			}
			return ki.InodeNumber < kj.InodeNumber
		})
		groups[size] = recs
	}
	return groups, nil
}

// SetLastComparedGeneration marks ik as a cloning participant at
// generation, so it is not reconsidered until it changes again.
func (s *Store) SetLastComparedGeneration(ik InodeKey, generation uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := volumeInodeBucket(tx, ik.Volume, false)
		if err != nil {
			return err
		}
		if bucket == nil {
			return nil
		}
		var rec InodeRecord
		found, err := getObject(bucket, inodeRecordKey(ik.InodeNumber), &rec)
		if err != nil || !found {
			return err
		}
		rec.LastComparedGeneration = generation
		return putObject(bucket, inodeRecordKey(ik.InodeNumber), rec)
	})
}

// ForgetVolume drops every inode record for a volume and resets its
// watermark to zero, forcing a full rescan next pass. Supplemented from
// bedup's tracking.forget_vol.
func (s *Store) ForgetVolume(key VolumeKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(inodesBucket).DeleteBucket([]byte(key.String())); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		volBucket := tx.Bucket(volumesBucket)
		var v Volume
		found, err := getObject(volBucket, []byte(key.String()), &v)
		if err != nil || !found {
			return err
		}
		v.LastTrackedGeneration = 0
		return putObject(volBucket, []byte(key.String()), v)
	})
}

// AppendDedupEvent assigns ev an id and durably appends it to the event log.
func (s *Store) AppendDedupEvent(ev DedupEvent) (DedupEvent, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(eventsBucket)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		ev.ID = id
		return putObject(bucket, inodeRecordKey(id), ev)
	})
	return ev, err
}

// ListDedupEvents returns every event for a filesystem, oldest first.
func (s *Store) ListDedupEvents(fsUUID string) ([]DedupEvent, error) {
	var out []DedupEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, data []byte) error {
			var ev DedupEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			if ev.FSUUID == fsUUID {
				out = append(out, ev)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// EstimatedSpaceReclaimed sums EstimatedSpaceGain across a filesystem's
// event log, matching model.py's DedupEvent.estimated_space_gain rollup.
func (s *Store) EstimatedSpaceReclaimed(fsUUID string) (uint64, error) {
	events, err := s.ListDedupEvents(fsUUID)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, ev := range events {
		total += ev.EstimatedSpaceGain()
	}
	return total, nil
}
