// Package ioctl implements the btrfs and generic-VFS ioctls the dedup
// pipeline needs: tree search, inode-number lookup, subvolume flags,
// whole-file and ranged clone, defrag, and the inode FS_IMMUTABLE_FL
// attribute. Structs are byte-exact mirrors of the kernel uapi headers
// (little-endian, no implicit padding); ioctl numbers are computed with
// the same dir/type/nr/size encoding the _IOR/_IOW/_IOWR macros use,
// rather than copied as opaque hex constants.
//
// Everything that talks to the kernel goes through the Interface type so
// callers (scan, lock, clonepath) can be tested against an in-memory fake
// without a live btrfs mount.
package ioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	dirBits  = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + dirBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << dirShift) | (typ << typeShift) | (nr << nrShift) | (size << sizeShift)
}

func io(typ, nr uintptr) uintptr            { return ioc(dirNone, typ, nr, 0) }
func ior(typ, nr, size uintptr) uintptr     { return ioc(dirRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr     { return ioc(dirWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr    { return ioc(dirRead|dirWrite, typ, nr, size) }

// btrfsMagic is BTRFS_IOCTL_MAGIC.
const btrfsMagic = 0x94

// Generic VFS ioctl magic used by FS_IOC_GETFLAGS/SETFLAGS ('f', historically).
const vfsMagic = 'f'

var (
	opSubvolGetflags = ior(btrfsMagic, 25, 8)
	opSubvolSetflags = iow(btrfsMagic, 26, 8)
	opClone          = iow(btrfsMagic, 9, 4)
	opCloneRange     = iow(btrfsMagic, 13, uintptr(unsafe.Sizeof(rawCloneRangeArgs{})))
	opDefragRange    = iow(btrfsMagic, 16, uintptr(unsafe.Sizeof(rawDefragRangeArgs{})))
	opInoLookup      = iowr(btrfsMagic, 18, uintptr(unsafe.Sizeof(rawInoLookupArgs{})))
	opTreeSearchV2   = iowr(btrfsMagic, 17, uintptr(unsafe.Sizeof(rawSearchArgsV2Header{}))+searchBufSize)

	// FS_IOC_GETFLAGS/SETFLAGS are declared with a long argument, so their
	// encoded size is the word size, although the kernel transfers a
	// 32-bit int through the pointer.
	opGetFlags = ior(vfsMagic, 1, unsafe.Sizeof(uintptr(0)))
	opSetFlags = iow(vfsMagic, 2, unsafe.Sizeof(uintptr(0)))
)

// FS_IMMUTABLE_FL, the generic inode attribute the lock package flips.
const FS_IMMUTABLE_FL uint32 = 0x00000010

// searchBufSize is the size of the kernel-side result buffer used by one
// TreeSearch batch, chosen to hold many small btrfs item headers without
// forcing an unbounded number of round trips.
const searchBufSize = 16 * 1024

// SearchKey is the btrfs_ioctl_search_key: the query bounds for
// BTRFS_IOC_TREE_SEARCH_V2. Type/objectid ranges select which tree items
// come back; nr_items caps how many the kernel returns per call.
type SearchKey struct {
	TreeID       uint64
	MinObjectID  uint64
	MaxObjectID  uint64
	MinOffset    uint64
	MaxOffset    uint64
	MinTransID   uint64
	MaxTransID   uint64
	MinType      uint32
	MaxType      uint32
	NrItems      uint32
}

// rawSearchKey is SearchKey's exact wire layout, including the kernel's
// reserved fields, so the struct size (and thus the derived ioctl number)
// matches the real btrfs_ioctl_search_key.
type rawSearchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransID  uint64
	MaxTransID  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	unused      uint32
	unused1     uint64
	unused2     uint64
	unused3     uint64
	unused4     uint64
}

func (k SearchKey) raw() rawSearchKey {
	return rawSearchKey{
		TreeID:      k.TreeID,
		MinObjectID: k.MinObjectID,
		MaxObjectID: k.MaxObjectID,
		MinOffset:   k.MinOffset,
		MaxOffset:   k.MaxOffset,
		MinTransID:  k.MinTransID,
		MaxTransID:  k.MaxTransID,
		MinType:     k.MinType,
		MaxType:     k.MaxType,
		NrItems:     k.NrItems,
	}
}

// rawSearchArgsV2Header is the fixed-size head of
// btrfs_ioctl_search_args_v2; the result buffer follows immediately after
// in memory, sized by BufSize.
type rawSearchArgsV2Header struct {
	Key     rawSearchKey
	BufSize uint64
}

// rawSearchHeader is btrfs_ioctl_search_header: one tree item's header,
// immediately followed by Len bytes of item payload in the result buffer.
type rawSearchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

// SearchItem is one decoded tree item: its header plus its payload. Data
// is a copy of the payload, so it stays valid after later TreeSearch
// calls.
type SearchItem struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Data     []byte
}

type rawInoLookupArgs struct {
	TreeID   uint64
	ObjectID uint64
	Name     [4080]byte
}

// InoLookup resolves ObjectID's path within TreeID, rooted at fd's
// subvolume. TreeID of 0 means "fd's own subvolume".
type InoLookupResult struct {
	TreeID uint64
	Name   string
}

type rawCloneRangeArgs struct {
	SrcFd      int64
	SrcOffset  uint64
	SrcLength  uint64
	DestOffset uint64
}

type rawDefragRangeArgs struct {
	Start        uint64
	Len          uint64
	Flags        uint64
	ExtentThresh uint32
	CompressType uint32
	unused       [4]uint32
}

// DefragRangeStartIO asks the kernel to start I/O on the range
// immediately rather than only marking it for the next writeback.
const DefragRangeStartIO uint64 = 2

// Interface is the seam between the pipeline and the kernel. Real holds
// the actual syscalls; tests use a Fake (see fake.go).
type Interface interface {
	// TreeSearch runs one BTRFS_IOC_TREE_SEARCH_V2 batch starting at key
	// and returns the items found plus the key to pass on the next call
	// to continue (empty items with no error means the search is done).
	TreeSearch(fd int, key SearchKey) (items []SearchItem, next SearchKey, err error)

	InoLookup(fd int, objectID uint64) (InoLookupResult, error)
	SubvolGetFlags(fd int) (uint64, error)
	SubvolSetFlags(fd int, flags uint64) error

	GetFlags(fd int) (uint32, error)
	SetFlags(fd int, flags uint32) error

	Clone(dstFd, srcFd int) error
	CloneRange(dstFd, srcFd int, srcOffset, srcLength, dstOffset uint64) error
	DefragRange(fd int, start, length uint64, flags uint64) error
}

// Real is the Interface implementation backed by real ioctl syscalls.
type Real struct{}

var _ Interface = Real{}

func ioctl(fd int, op uintptr, arg uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg); errno != 0 {
		return errno
	}
	return nil
}

func (Real) TreeSearch(fd int, key SearchKey) ([]SearchItem, SearchKey, error) {
	headerSize := int(unsafe.Sizeof(rawSearchArgsV2Header{}))
	buf := make([]byte, headerSize+searchBufSize)

	hdr := (*rawSearchArgsV2Header)(unsafe.Pointer(&buf[0]))
	hdr.Key = key.raw()
	hdr.BufSize = searchBufSize

	if err := ioctl(fd, opTreeSearchV2, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return nil, key, err
	}

	nrItems := hdr.Key.NrItems
	data := buf[headerSize:]
	items := make([]SearchItem, 0, nrItems)

	var off int
	next := key
	for i := uint32(0); i < nrItems; i++ {
		if off+int(unsafe.Sizeof(rawSearchHeader{})) > len(data) {
			break
		}
		sh := (*rawSearchHeader)(unsafe.Pointer(&data[off]))
		off += int(unsafe.Sizeof(rawSearchHeader{}))
		item := SearchItem{
			TransID:  sh.TransID,
			ObjectID: sh.ObjectID,
			Offset:   sh.Offset,
			Type:     sh.Type,
		}
		if sh.Len > 0 {
			item.Data = append([]byte(nil), data[off:off+int(sh.Len)]...)
			off += int(sh.Len)
		}
		items = append(items, item)

		next.MinObjectID = sh.ObjectID
		next.MinType = sh.Type
		next.MinOffset = sh.Offset + 1
		if next.MinOffset == 0 {
			// offset wrapped past max uint64: advance type/objectid instead.
			next.MinOffset = 0
			if next.MinType == ^uint32(0) {
				next.MinType = 0
				next.MinObjectID++
			} else {
				next.MinType++
			}
		}
	}
	return items, next, nil
}

func (Real) InoLookup(fd int, objectID uint64) (InoLookupResult, error) {
	var args rawInoLookupArgs
	args.ObjectID = objectID
	if err := ioctl(fd, opInoLookup, uintptr(unsafe.Pointer(&args))); err != nil {
		return InoLookupResult{}, err
	}
	n := 0
	for n < len(args.Name) && args.Name[n] != 0 {
		n++
	}
	return InoLookupResult{TreeID: args.TreeID, Name: string(args.Name[:n])}, nil
}

func (Real) SubvolGetFlags(fd int) (uint64, error) {
	var flags uint64
	if err := ioctl(fd, opSubvolGetflags, uintptr(unsafe.Pointer(&flags))); err != nil {
		return 0, err
	}
	return flags, nil
}

func (Real) SubvolSetFlags(fd int, flags uint64) error {
	return ioctl(fd, opSubvolSetflags, uintptr(unsafe.Pointer(&flags)))
}

func (Real) GetFlags(fd int) (uint32, error) {
	var flags uint32
	if err := ioctl(fd, opGetFlags, uintptr(unsafe.Pointer(&flags))); err != nil {
		return 0, err
	}
	return flags, nil
}

func (Real) SetFlags(fd int, flags uint32) error {
	return ioctl(fd, opSetFlags, uintptr(unsafe.Pointer(&flags)))
}

func (Real) Clone(dstFd, srcFd int) error {
	return ioctl(dstFd, opClone, uintptr(srcFd))
}

func (Real) CloneRange(dstFd, srcFd int, srcOffset, srcLength, dstOffset uint64) error {
	args := rawCloneRangeArgs{
		SrcFd:      int64(srcFd),
		SrcOffset:  srcOffset,
		SrcLength:  srcLength,
		DestOffset: dstOffset,
	}
	return ioctl(dstFd, opCloneRange, uintptr(unsafe.Pointer(&args)))
}

func (Real) DefragRange(fd int, start, length uint64, flags uint64) error {
	args := rawDefragRangeArgs{Start: start, Len: length, Flags: flags}
	return ioctl(fd, opDefragRange, uintptr(unsafe.Pointer(&args)))
}

// IterateTreeSearch runs TreeSearch repeatedly starting at key, calling
// visit for every item in objectid/type/offset order, until the kernel
// returns an empty batch, visit returns false, or an error occurs.
func IterateTreeSearch(iface Interface, fd int, key SearchKey, visit func(SearchItem) bool) error {
	for {
		items, next, err := iface.TreeSearch(fd, key)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			if !visit(item) {
				return nil
			}
		}
		key = next
	}
}
