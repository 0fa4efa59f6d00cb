package ioctl

import (
	"fmt"
	"sort"
)

// Fake is an in-memory Interface for exercising scan, lock, and clonepath
// without a btrfs mount. Items and inode flags are keyed by fd, which
// tests assign themselves (a Fake doesn't know about real file
// descriptors).
type Fake struct {
	// Items holds every tree item visible to a given fd's TreeSearch, in
	// any order; TreeSearch sorts them by (ObjectID, Type, Offset).
	Items map[int][]SearchItem
	// InoNames maps fd -> objectID -> InoLookupResult.
	InoNames map[int]map[uint64]InoLookupResult
	// SubvolFlags maps fd -> ro/other subvolume flags bitmask.
	SubvolFlags map[int]uint64
	// Flags maps fd -> FS_IOC_GETFLAGS/SETFLAGS inode attribute bitmask.
	Flags map[int]uint32
	// Clones records every Clone/CloneRange call for assertions.
	Clones []FakeClone
	// FailClone, if set, is returned by Clone/CloneRange instead of cloning.
	FailClone error
}

// FakeClone is one recorded clone call.
type FakeClone struct {
	DstFd, SrcFd            int
	SrcOffset, SrcLength    uint64
	DstOffset               uint64
	Whole                   bool
}

// NewFake returns an empty Fake ready to be populated by tests.
func NewFake() *Fake {
	return &Fake{
		Items:       make(map[int][]SearchItem),
		InoNames:    make(map[int]map[uint64]InoLookupResult),
		SubvolFlags: make(map[int]uint64),
		Flags:       make(map[int]uint32),
	}
}

var _ Interface = (*Fake)(nil)

// keyLess orders (objectid, type, offset) triples the way btrfs orders
// tree keys.
func keyLess(aObj uint64, aTyp uint32, aOff uint64, bObj uint64, bTyp uint32, bOff uint64) bool {
	if aObj != bObj {
		return aObj < bObj
	}
	if aTyp != bTyp {
		return aTyp < bTyp
	}
	return aOff < bOff
}

func (f *Fake) TreeSearch(fd int, key SearchKey) ([]SearchItem, SearchKey, error) {
	all := append([]SearchItem(nil), f.Items[fd]...)
	sort.Slice(all, func(i, j int) bool {
		if all[i].ObjectID != all[j].ObjectID {
			return all[i].ObjectID < all[j].ObjectID
		}
		if all[i].Type != all[j].Type {
			return all[i].Type < all[j].Type
		}
		return all[i].Offset < all[j].Offset
	})

	var out []SearchItem
	next := key
	for _, item := range all {
		if keyLess(item.ObjectID, item.Type, item.Offset, key.MinObjectID, key.MinType, key.MinOffset) ||
			keyLess(key.MaxObjectID, key.MaxType, key.MaxOffset, item.ObjectID, item.Type, item.Offset) {
			continue
		}
		if item.TransID < key.MinTransID {
			continue
		}
		out = append(out, item)
		next.MinObjectID = item.ObjectID
		next.MinType = item.Type
		next.MinOffset = item.Offset + 1
		if key.NrItems > 0 && uint32(len(out)) >= key.NrItems {
			break
		}
	}
	return out, next, nil
}

func (f *Fake) InoLookup(fd int, objectID uint64) (InoLookupResult, error) {
	m := f.InoNames[fd]
	if m == nil {
		return InoLookupResult{}, fmt.Errorf("ino_lookup: no entry for fd %d objectid %d", fd, objectID)
	}
	res, ok := m[objectID]
	if !ok {
		return InoLookupResult{}, fmt.Errorf("ino_lookup: no entry for fd %d objectid %d", fd, objectID)
	}
	return res, nil
}

func (f *Fake) SubvolGetFlags(fd int) (uint64, error) {
	return f.SubvolFlags[fd], nil
}

func (f *Fake) SubvolSetFlags(fd int, flags uint64) error {
	f.SubvolFlags[fd] = flags
	return nil
}

func (f *Fake) GetFlags(fd int) (uint32, error) {
	return f.Flags[fd], nil
}

func (f *Fake) SetFlags(fd int, flags uint32) error {
	f.Flags[fd] = flags
	return nil
}

func (f *Fake) Clone(dstFd, srcFd int) error {
	if f.FailClone != nil {
		return f.FailClone
	}
	f.Clones = append(f.Clones, FakeClone{DstFd: dstFd, SrcFd: srcFd, Whole: true})
	return nil
}

func (f *Fake) CloneRange(dstFd, srcFd int, srcOffset, srcLength, dstOffset uint64) error {
	if f.FailClone != nil {
		return f.FailClone
	}
	f.Clones = append(f.Clones, FakeClone{
		DstFd: dstFd, SrcFd: srcFd,
		SrcOffset: srcOffset, SrcLength: srcLength, DstOffset: dstOffset,
	})
	return nil
}

func (f *Fake) DefragRange(fd int, start, length uint64, flags uint64) error {
	return nil
}
