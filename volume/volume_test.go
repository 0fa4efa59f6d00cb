package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeMountInfo(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadMountInfoParsesFields(t *testing.T) {
	path := writeMountInfo(t,
		`36 35 98:0 / /mnt/data rw,relatime shared:1 - btrfs /dev/sda1 rw,space_cache`,
		`37 35 98:0 / /mnt/ro rw,relatime shared:1 - btrfs /dev/sda2 ro,space_cache`,
		`38 35 0:3 / /proc rw,nosuid - proc proc rw`,
	)

	entries, err := readMountInfo(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, "/mnt/data", entries[0].MountPoint)
	require.Equal(t, "/dev/sda1", entries[0].Source)
	require.Equal(t, "btrfs", entries[0].FSType)
	require.False(t, entries[0].ReadOnly)

	require.True(t, entries[1].ReadOnly)
	require.Equal(t, "proc", entries[2].FSType)
}

func TestReadMountInfoUnescapesOctal(t *testing.T) {
	path := writeMountInfo(t,
		`36 35 98:0 / /mnt/my\040space rw - btrfs /dev/sda1 rw`,
	)
	entries, err := readMountInfo(path)
	require.NoError(t, err)
	require.Equal(t, "/mnt/my space", entries[0].MountPoint)
}

func TestFsUUIDForDeviceStripsSubvolSuffix(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev")
	require.NoError(t, os.Mkdir(devDir, 0755))
	devFile := filepath.Join(devDir, "sda1")
	require.NoError(t, os.WriteFile(devFile, nil, 0644))

	byUUID := filepath.Join(dir, "by-uuid")
	require.NoError(t, os.Mkdir(byUUID, 0755))
	uuidName := "11111111-2222-3333-4444-555555555555"
	require.NoError(t, os.Symlink(devFile, filepath.Join(byUUID, uuidName)))

	got, err := fsUUIDForDevice(byUUID, devFile+"[/subvol]")
	require.NoError(t, err)
	require.Equal(t, uuidName, got)
}

func TestHasOption(t *testing.T) {
	require.True(t, hasOption("rw,relatime,space_cache", "relatime"))
	require.False(t, hasOption("rw,relatime", "ro"))
}
