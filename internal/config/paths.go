package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "fieldsync"

// Config file name.
const configFileName = "config.toml"

// File names under the data directory.
const (
	stateFileName = "fieldsync.db"
	wakeFileName  = "sync.wake"
	pidFileName   = "fieldsync.pid"
	logFileName   = "fieldsync.log"
)

// DefaultConfigDir returns the platform-specific directory for config
// files. On Linux, respects XDG_CONFIG_HOME (defaults to
// ~/.config/fieldsync). On macOS, uses ~/Library/Application
// Support/fieldsync per Apple guidelines.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultDataDir returns the platform-specific directory for state:
// the database, daemon log, wake file, and pidfile. On Linux, respects
// XDG_DATA_HOME (defaults to ~/.local/share/fieldsync).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// StatePath returns the database path under dataDir.
func StatePath(dataDir string) string {
	return filepath.Join(dataDir, stateFileName)
}

// WakePath returns the wake file path under dataDir.
func WakePath(dataDir string) string {
	return filepath.Join(dataDir, wakeFileName)
}

// PidPath returns the daemon pidfile path under dataDir.
func PidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// LogPath returns the daemon log path under dataDir.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, logFileName)
}
