package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the directory holding the global ferry config file.
func ConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, "ferry")
}

// StateDir returns the directory for mutable runtime state such as
// transcripts. There is no stdlib helper for XDG_STATE_HOME.
func StateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, "ferry")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state", "ferry")
}

// EnsureDirs creates the config and state directories.
func EnsureDirs() error {
	for _, dir := range []string{ConfigDir(), StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
