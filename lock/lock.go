// Package lock implements the safe-locker (§4.E): the userspace
// immutable-attribute protocol that makes the kernel clone ioctl safe in
// the absence of an atomic whole-file compare-and-clone primitive.
//
// The six steps run in the order the design calls for: open read-only,
// set immutable, sweep /proc for writers, recheck stability, hand off,
// and — on every exit path, via Release — always revert. Per-target
// failures are categorical (errkind.Vanished, errkind.Permission,
// errkind.Busy, errkind.Changed, errkind.IoError) and never abort the
// whole batch; each target is judged independently so one busy file
// doesn't sink its classmates. Only a failure of the /proc sweep itself
// aborts the batch.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/g2p/bedup/errkind"
	"github.com/g2p/bedup/ioctl"
	"github.com/g2p/bedup/store"
)

// Target is one file the orchestrator wants locked, carrying the
// size/mtime the index last observed so step 4 can detect a race.
type Target struct {
	Key           store.InodeKey
	Path          string
	ExpectedSize  uint64
	ExpectedMTime time.Time
}

// Handle is one successfully locked file, live until Release.
type Handle struct {
	Key            store.InodeKey
	File           *os.File
	Dev            uint64
	Ino            uint64
	WeSetImmutable bool
}

// Result is the outcome of one Lock call.
type Result struct {
	Locked []*Handle
	Failed map[store.InodeKey]error
}

// Locker applies and reverts the immutable attribute and runs the
// writer sweep. ProcRoot defaults to "/proc"; tests point it at a fake
// tree shaped the same way.
type Locker struct {
	Iface    ioctl.Interface
	ProcRoot string
}

func (l *Locker) procRoot() string {
	if l.ProcRoot == "" {
		return "/proc"
	}
	return l.ProcRoot
}

// Lock runs steps 1-4 of the protocol over targets and returns the
// subset that made it through, ready for step 5 (hand-off to the
// comparator/cloner). Callers must call Release on every returned
// Handle, win or lose, to satisfy step 6.
func (l *Locker) Lock(targets []Target) (*Result, error) {
	result := &Result{Failed: make(map[store.InodeKey]error)}

	// Step 1: open read-only.
	var candidates []*Handle
	for _, t := range targets {
		f, err := os.OpenFile(t.Path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
		if err != nil {
			result.Failed[t.Key] = classifyOpenErr(t.Path, err)
			continue
		}
		var st unix.Stat_t
		if err := unix.Fstat(int(f.Fd()), &st); err != nil {
			f.Close()
			result.Failed[t.Key] = errkind.WrapPath("stat", errkind.IoError, t.Path, err)
			continue
		}
		candidates = append(candidates, &Handle{
			Key:  t.Key,
			File: f,
			Dev:  uint64(st.Dev),
			Ino:  uint64(st.Ino),
		})
	}

	targetByKey := make(map[store.InodeKey]Target, len(targets))
	for _, t := range targets {
		targetByKey[t.Key] = t
	}

	// Step 2: set immutable.
	var locked []*Handle
	for _, h := range candidates {
		flags, err := l.Iface.GetFlags(int(h.File.Fd()))
		if err != nil {
			h.File.Close()
			result.Failed[h.Key] = errkind.WrapPath("getflags", errkind.Permission, targetByKey[h.Key].Path, err)
			continue
		}
		if flags&ioctl.FS_IMMUTABLE_FL != 0 {
			// Previously-immutable: leave as found, still usable.
			locked = append(locked, h)
			continue
		}
		if err := l.Iface.SetFlags(int(h.File.Fd()), flags|ioctl.FS_IMMUTABLE_FL); err != nil {
			h.File.Close()
			result.Failed[h.Key] = errkind.WrapPath("setflags", errkind.Permission, targetByKey[h.Key].Path, err)
			continue
		}
		h.WeSetImmutable = true
		locked = append(locked, h)
	}

	// Step 3: writer sweep, once for the whole batch.
	busy, err := l.sweepWriters(locked)
	if err != nil {
		// The sweep itself failed (e.g. /proc unreadable): step 6 still
		// applies to everything locked so far before we report fatal.
		for _, h := range locked {
			l.Release(h)
		}
		return nil, fmt.Errorf("writer sweep: %w", err)
	}
	var survivors []*Handle
	for _, h := range locked {
		if busy[h.Key] {
			l.revert(h)
			result.Failed[h.Key] = errkind.New("lock", errkind.Busy)
			continue
		}
		survivors = append(survivors, h)
	}
	locked = survivors

	// Step 4: stability recheck.
	survivors = nil
	for _, h := range locked {
		var st unix.Stat_t
		if err := unix.Fstat(int(h.File.Fd()), &st); err != nil {
			l.revert(h)
			result.Failed[h.Key] = errkind.WrapPath("stat", errkind.IoError, targetByKey[h.Key].Path, err)
			continue
		}
		t := targetByKey[h.Key]
		mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec).UTC()
		if uint64(st.Size) != t.ExpectedSize || !mtime.Equal(t.ExpectedMTime) {
			l.revert(h)
			result.Failed[h.Key] = errkind.New("lock", errkind.Changed)
			continue
		}
		survivors = append(survivors, h)
	}
	result.Locked = survivors
	return result, nil
}

// Release is the always-revert obligation (step 6): clear IMMUTABLE if
// this locker set it, then close the handle. Safe to call more than
// once; safe to call on every exit path including after a signal.
func (l *Locker) Release(h *Handle) error {
	err := l.revert(h)
	h.File.Close()
	return err
}

func (l *Locker) revert(h *Handle) error {
	if !h.WeSetImmutable {
		return nil
	}
	flags, err := l.Iface.GetFlags(int(h.File.Fd()))
	if err != nil {
		return errkind.Wrap("getflags", errkind.IoError, err)
	}
	if err := l.Iface.SetFlags(int(h.File.Fd()), flags&^ioctl.FS_IMMUTABLE_FL); err != nil {
		return errkind.Wrap("setflags", errkind.IoError, err)
	}
	h.WeSetImmutable = false
	return nil
}

func classifyOpenErr(path string, err error) error {
	if os.IsNotExist(err) {
		return errkind.WrapPath("open", errkind.Vanished, path, err)
	}
	if os.IsPermission(err) {
		return errkind.WrapPath("open", errkind.Permission, path, err)
	}
	return errkind.WrapPath("open", errkind.IoError, path, err)
}

// sweepWriters enumerates /proc/*/fd and /proc/*/maps once and reports
// which of the given handles currently have a writer: an fd open
// O_WRONLY/O_RDWR, or a PROT_WRITE+MAP_SHARED mapping.
func (l *Locker) sweepWriters(handles []*Handle) (map[store.InodeKey]bool, error) {
	byDevIno := make(map[[2]uint64]store.InodeKey, len(handles))
	for _, h := range handles {
		byDevIno[[2]uint64{h.Dev, h.Ino}] = h.Key
	}
	if len(byDevIno) == 0 {
		return nil, nil
	}

	busy := make(map[store.InodeKey]bool)
	root := l.procRoot()
	pidDirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	for _, pidDir := range pidDirs {
		pid, err := strconv.Atoi(pidDir.Name())
		if err != nil {
			continue
		}
		sweepPidFDs(root, pid, byDevIno, busy)
		sweepPidMaps(root, pid, byDevIno, busy)
	}
	return busy, nil
}

func sweepPidFDs(root string, pid int, byDevIno map[[2]uint64]store.InodeKey, busy map[store.InodeKey]bool) {
	fdDir := filepath.Join(root, strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		fdPath := filepath.Join(fdDir, entry.Name())
		var st unix.Stat_t
		if err := unix.Stat(fdPath, &st); err != nil {
			continue
		}
		key, ok := byDevIno[[2]uint64{uint64(st.Dev), uint64(st.Ino)}]
		if !ok {
			continue
		}
		if fdOpenForWrite(root, pid, entry.Name()) {
			busy[key] = true
		}
	}
}

func fdOpenForWrite(root string, pid int, fd string) bool {
	path := filepath.Join(root, strconv.Itoa(pid), "fdinfo", fd)
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "flags:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "flags:"))
		v, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return false
		}
		mode := v & uint64(unix.O_ACCMODE)
		return mode == uint64(unix.O_WRONLY) || mode == uint64(unix.O_RDWR)
	}
	return false
}

func sweepPidMaps(root string, pid int, byDevIno map[[2]uint64]store.InodeKey, busy map[store.InodeKey]bool) {
	path := filepath.Join(root, strconv.Itoa(pid), "maps")
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		perms := fields[1]
		if !strings.Contains(perms, "w") || !strings.Contains(perms, "s") {
			continue
		}
		dev, err := parseMapsDev(fields[3])
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil || inode == 0 {
			continue
		}
		if key, ok := byDevIno[[2]uint64{dev, inode}]; ok {
			busy[key] = true
		}
	}
}

// parseMapsDev turns /proc/pid/maps's "major:minor" hex device field
// back into the raw dev_t value unix.Stat_t reports, using the same
// major/minor split the kernel's MKDEV macro uses.
func parseMapsDev(s string) (uint64, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed dev field %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, err
	}
	minor, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, err
	}
	return unix.Mkdev(uint32(major), uint32(minor)), nil
}
