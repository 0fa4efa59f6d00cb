// Package config reads the optional XDG config file that supplies
// persistent defaults for the dedup pass (§6's "ambient implementation
// detail" note), grounded on beam's internal/config.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the optional on-disk defaults file, bedup/config.toml under
// XDG_CONFIG_HOME.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults for the dedup pass.
// Pointer fields distinguish "unset" from the zero value so a CLI flag
// can still override them.
type DefaultsConfig struct {
	SizeCutoff *uint64 `toml:"size-cutoff"`
	NoCrossVol *bool   `toml:"no-crossvol"`
	Defrag     *bool   `toml:"defrag"`
	LogFormat  *string `toml:"log-format"`
	StatePath  *string `toml:"state-path"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "bedup", "config.toml")
}

// Load reads the config file from the XDG path. A missing file is not
// an error: the config is always optional and callers get a zero Config.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}

// StatePath returns the resolved path to the durable state store,
// preferring the config file's override, then XDG_STATE_HOME, then
// ~/.local/state.
func (c Config) StatePath() string {
	if c.Defaults.StatePath != nil {
		return *c.Defaults.StatePath
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "bedup", "state.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "bedup-state.db"
	}
	return filepath.Join(home, ".local", "state", "bedup", "state.db")
}
