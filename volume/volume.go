// Package volume resolves the three volume-reference forms §6 accepts —
// a path under a mount point, a /dev/... block path, or a filesystem
// UUID — into the (fs_uuid, subvol_root_id) identity the rest of the
// pipeline keys everything on. It reads /proc/self/mountinfo and
// /dev/disk/by-uuid directly, behind a Resolver the core packages never
// depend on.
package volume

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/g2p/bedup/ioctl"
	"github.com/g2p/bedup/store"
)

// BTRFS_SUBVOL_RDONLY, the bit BTRFS_IOC_SUBVOL_GETFLAGS reports for a
// read-only snapshot or subvolume.
const subvolRDOnly uint64 = 1 << 1

// btrfsRootObjectID is the inode number of a subvolume's own root
// directory; looking it up yields the subvolume's tree (root) id.
const btrfsRootObjectID = 256

// Mounted is a live, resolved volume: its durable identity plus the
// path it is mounted at right now.
type Mounted struct {
	Key       store.VolumeKey
	MountPath string
	ReadOnly  bool
}

// MountEntry is one parsed line of /proc/self/mountinfo.
type MountEntry struct {
	MountPoint string
	Source     string
	FSType     string
	ReadOnly   bool
}

// Resolver turns volume references into Mounted volumes. It holds only
// the mount-table and by-uuid paths plus the ioctl interface; it is a
// thin, swappable adapter so the core pipeline never depends on
// mount-table or /dev layout details.
type Resolver struct {
	MountInfoPath string
	ByUUIDDir     string
	Ioctl         ioctl.Interface
}

// NewResolver returns a Resolver reading the live system's mount table.
func NewResolver(iface ioctl.Interface) *Resolver {
	return &Resolver{
		MountInfoPath: "/proc/self/mountinfo",
		ByUUIDDir:     "/dev/disk/by-uuid",
		Ioctl:         iface,
	}
}

// ListMounted returns every mounted btrfs volume.
func (r *Resolver) ListMounted() ([]Mounted, error) {
	entries, err := readMountInfo(r.MountInfoPath)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	var out []Mounted
	for _, e := range entries {
		if e.FSType != "btrfs" {
			continue
		}
		m, err := r.resolveMount(e)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Resolve accepts a path, a /dev/... block path, or a filesystem UUID and
// returns the volume it names.
func (r *Resolver) Resolve(ref string) (Mounted, error) {
	entries, err := readMountInfo(r.MountInfoPath)
	if err != nil {
		return Mounted{}, fmt.Errorf("read mount table: %w", err)
	}

	if strings.HasPrefix(ref, "/dev/") {
		for _, e := range entries {
			if e.FSType == "btrfs" && sameDevice(e.Source, ref) {
				return r.resolveMount(e)
			}
		}
		return Mounted{}, fmt.Errorf("no mounted btrfs volume for device %s", ref)
	}

	if id, err := uuid.Parse(ref); err == nil {
		device, err := deviceForUUID(r.ByUUIDDir, id)
		if err != nil {
			return Mounted{}, err
		}
		for _, e := range entries {
			if e.FSType == "btrfs" && sameDevice(e.Source, device) {
				return r.resolveMount(e)
			}
		}
		return Mounted{}, fmt.Errorf("uuid %s not mounted", id)
	}

	abs, err := filepath.Abs(ref)
	if err != nil {
		return Mounted{}, fmt.Errorf("resolve path %q: %w", ref, err)
	}
	best := -1
	var bestEntry MountEntry
	for _, e := range entries {
		if e.FSType != "btrfs" {
			continue
		}
		if abs == e.MountPoint || strings.HasPrefix(abs, e.MountPoint+"/") {
			if len(e.MountPoint) > best {
				best = len(e.MountPoint)
				bestEntry = e
			}
		}
	}
	if best < 0 {
		return Mounted{}, fmt.Errorf("path %q is not under a btrfs mount", ref)
	}
	return r.resolveMount(bestEntry)
}

func (r *Resolver) resolveMount(e MountEntry) (Mounted, error) {
	fsUUID, err := fsUUIDForDevice(r.ByUUIDDir, e.Source)
	if err != nil {
		return Mounted{}, err
	}

	f, err := os.OpenFile(e.MountPoint, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return Mounted{}, fmt.Errorf("open %q: %w", e.MountPoint, err)
	}
	defer f.Close()

	res, err := r.Ioctl.InoLookup(int(f.Fd()), btrfsRootObjectID)
	if err != nil {
		return Mounted{}, fmt.Errorf("ino_lookup root of %q: %w", e.MountPoint, err)
	}

	readOnly := e.ReadOnly
	if flags, err := r.Ioctl.SubvolGetFlags(int(f.Fd())); err == nil && flags&subvolRDOnly != 0 {
		readOnly = true
	}

	return Mounted{
		Key:       store.VolumeKey{FSUUID: fsUUID, RootID: res.TreeID},
		MountPath: e.MountPoint,
		ReadOnly:  readOnly,
	}, nil
}

func readMountInfo(path string) ([]MountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []MountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// mountID parentID major:minor root mountPoint options - fsType source superOptions
		sep := -1
		for i, field := range fields {
			if field == "-" {
				sep = i
				break
			}
		}
		if sep < 0 || sep+2 >= len(fields) {
			continue
		}
		mountPoint := unescapeOctal(fields[4])
		options := fields[5]
		fsType := fields[sep+1]
		source := unescapeOctal(fields[sep+2])
		readOnly := hasOption(options, "ro")
		if sep+3 < len(fields) && hasOption(fields[sep+3], "ro") {
			// A read-only superblock makes every mount of it read-only.
			readOnly = true
		}
		out = append(out, MountEntry{
			MountPoint: mountPoint,
			Source:     source,
			FSType:     fsType,
			ReadOnly:   readOnly,
		})
	}
	return out, scanner.Err()
}

func hasOption(options, want string) bool {
	for _, opt := range strings.Split(options, ",") {
		if opt == want {
			return true
		}
	}
	return false
}

// unescapeOctal undoes mountinfo's \NNN octal escaping of spaces, tabs,
// newlines, and backslashes in paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func sameDevice(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ra == rb
}

func deviceForUUID(byUUIDDir string, id uuid.UUID) (string, error) {
	entries, err := os.ReadDir(byUUIDDir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", byUUIDDir, err)
	}
	for _, entry := range entries {
		if parsed, err := uuid.Parse(entry.Name()); err == nil && parsed == id {
			return filepath.Join(byUUIDDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no device with uuid %s under %s", id, byUUIDDir)
}

// fsUUIDForDevice is the inverse of deviceForUUID: given a mount
// source's device path, find which /dev/disk/by-uuid symlink points at
// the same device node.
func fsUUIDForDevice(byUUIDDir, device string) (string, error) {
	// Btrfs multi-device mounts report only one member device as the
	// mountinfo source; that member still carries the filesystem UUID.
	device = strings.SplitN(device, "[", 2)[0]

	entries, err := os.ReadDir(byUUIDDir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", byUUIDDir, err)
	}
	for _, entry := range entries {
		link := filepath.Join(byUUIDDir, entry.Name())
		if sameDevice(link, device) {
			if id, err := uuid.Parse(entry.Name()); err == nil {
				return id.String(), nil
			}
			return entry.Name(), nil
		}
	}
	return "", fmt.Errorf("no uuid entry for device %s under %s", device, byUUIDDir)
}
