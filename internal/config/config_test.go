package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup/internal/config"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.SizeCutoff)
	assert.Nil(t, cfg.Defaults.NoCrossVol)
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "bedup")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
size-cutoff = 8192
no-crossvol = true
defrag = false
log-format = "json"
state-path = "/var/lib/bedup/state.db"
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.SizeCutoff)
	assert.Equal(t, uint64(8192), *cfg.Defaults.SizeCutoff)

	require.NotNil(t, cfg.Defaults.NoCrossVol)
	assert.True(t, *cfg.Defaults.NoCrossVol)

	require.NotNil(t, cfg.Defaults.Defrag)
	assert.False(t, *cfg.Defaults.Defrag)

	require.NotNil(t, cfg.Defaults.LogFormat)
	assert.Equal(t, "json", *cfg.Defaults.LogFormat)

	assert.Equal(t, "/var/lib/bedup/state.db", cfg.StatePath())
}

func TestStatePathFallsBackToXDGStateHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdgstate")
	cfg := config.Config{}
	assert.Equal(t, filepath.Join("/tmp/xdgstate", "bedup", "state.db"), cfg.StatePath())
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "bedup")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/bedup/config.toml", config.Path())
}
