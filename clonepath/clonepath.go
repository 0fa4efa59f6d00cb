// Package clonepath implements the comparator and cloner (§4.F): a
// byte-exact streaming compare between two locked, same-size files, and
// the clone ioctl issuance once the comparator certifies them equal.
package clonepath

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/g2p/bedup/errkind"
	"github.com/g2p/bedup/ioctl"
	"github.com/g2p/bedup/lock"
	"github.com/g2p/bedup/store"
)

// defaultBlockSize is the streaming compare chunk size (§4.F).
const defaultBlockSize = 128 * 1024

// Comparator streams two files in fixed-size blocks and compares them
// byte-wise. A mismatch is a first-class outcome, never an error.
type Comparator struct {
	BlockSize int
}

func NewComparator() *Comparator { return &Comparator{BlockSize: defaultBlockSize} }

// Equal reports whether a and b have identical content, reading both
// from the start regardless of their current offsets.
func (c *Comparator) Equal(a, b *os.File) (bool, error) {
	blockSize := c.BlockSize
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	if _, err := a.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek %s: %w", a.Name(), err)
	}
	if _, err := b.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek %s: %w", b.Name(), err)
	}

	bufA := make([]byte, blockSize)
	bufB := make([]byte, blockSize)
	for {
		na, erra := io.ReadFull(a, bufA)
		nb, errb := io.ReadFull(b, bufB)
		if erra != nil && erra != io.EOF && erra != io.ErrUnexpectedEOF {
			return false, fmt.Errorf("read %s: %w", a.Name(), erra)
		}
		if errb != nil && errb != io.EOF && errb != io.ErrUnexpectedEOF {
			return false, fmt.Errorf("read %s: %w", b.Name(), errb)
		}
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := erra == io.EOF || erra == io.ErrUnexpectedEOF
		doneB := errb == io.EOF || errb == io.ErrUnexpectedEOF
		if doneA != doneB {
			return false, nil
		}
		if doneA {
			return true, nil
		}
	}
}

// Cloner issues the clone ioctl for a certified-equal pair.
type Cloner struct {
	Iface      ioctl.Interface
	NoCrossVol bool
	Defrag     bool
}

// CanPair reports whether ref and candidate are eligible to be
// considered for cloning together given subvolume-crossing policy: the
// kernel must support cross-subvolume clone (Linux ≥ 3.6) and
// --no-crossvol must not be set, unless both are in the same subvolume.
func (cl *Cloner) CanPair(ref, candidate store.VolumeKey) bool {
	if ref == candidate {
		return true
	}
	if cl.NoCrossVol {
		return false
	}
	return kernelSupportsCrossVolClone()
}

// Clone clears the destination's immutable bit just long enough to
// issue BTRFS_IOC_CLONE from ref onto candidate, then restores it. The
// bit is cleared through a read-only handle before the destination is
// opened for writing, since the kernel refuses to open an immutable file
// for writing. defer order guarantees the flag is restored even if the
// clone ioctl fails.
func (cl *Cloner) Clone(ref *lock.Handle, refSize uint64, candidatePath string) error {
	if cl.Defrag {
		cl.defragIfSupported(int(ref.File.Fd()), refSize)
	}

	probe, err := os.Open(candidatePath)
	if err != nil {
		return errkind.WrapPath("open", errkind.IoError, candidatePath, err)
	}
	defer probe.Close()
	probeFd := int(probe.Fd())

	flags, err := cl.Iface.GetFlags(probeFd)
	if err != nil {
		return errkind.WrapPath("getflags", errkind.IoError, candidatePath, err)
	}
	if err := cl.Iface.SetFlags(probeFd, flags&^ioctl.FS_IMMUTABLE_FL); err != nil {
		return errkind.WrapPath("setflags", errkind.IoError, candidatePath, err)
	}
	defer cl.Iface.SetFlags(probeFd, flags)

	dst, err := os.OpenFile(candidatePath, os.O_WRONLY, 0)
	if err != nil {
		return errkind.WrapPath("open_rw", errkind.IoError, candidatePath, err)
	}
	defer dst.Close()
	dstFd := int(dst.Fd())

	if cl.Defrag {
		cl.defragIfSupported(dstFd, refSize)
	}

	if err := cl.Iface.Clone(dstFd, int(ref.File.Fd())); err != nil {
		return errkind.WrapPath("clone", errkind.IoError, candidatePath, err)
	}
	return nil
}

// defragIfSupported issues BTRFS_IOC_DEFRAG_RANGE on kernels ≥ 3.9 and
// does nothing on older kernels, where defragmenting breaks existing
// sharing. Any error from the ioctl, ENOTTY/EOPNOTSUPP included, is
// ignored.
func (cl *Cloner) defragIfSupported(fd int, length uint64) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return
	}
	if major, minor := parseKernelVersion(uts.Release); major < 3 || (major == 3 && minor < 9) {
		return
	}
	err := cl.Iface.DefragRange(fd, 0, length, ioctl.DefragRangeStartIO)
	if err == nil {
		return
	}
	if err == unix.ENOTTY || err == unix.EOPNOTSUPP {
		return
	}
}

func kernelSupportsCrossVolClone() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	major, minor := parseKernelVersion(uts.Release)
	if major > 3 {
		return true
	}
	return major == 3 && minor >= 6
}

func parseKernelVersion(release [65]byte) (major, minor int) {
	s := string(release[:])
	if i := bytes.IndexByte(release[:], 0); i >= 0 {
		s = string(release[:i])
	}
	fmt.Sscanf(s, "%d.%d", &major, &minor)
	return major, minor
}
