package paths

import (
	"os"
	"path/filepath"
)

const appName = "reaper"

func DefaultRuntimeDir() string {
	if x := os.Getenv("XDG_RUNTIME_DIR"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

func DefaultStateDir() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", appName)
}

func DefaultConfigDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName)
}

func DefaultSocketPath() string   { return filepath.Join(DefaultRuntimeDir(), "daemon.sock") }
func DefaultPIDPath() string      { return filepath.Join(DefaultRuntimeDir(), "daemon.pid") }
func DefaultRegistryPath() string { return filepath.Join(DefaultStateDir(), "projects.yaml") }
func DefaultHistoryPath() string  { return filepath.Join(DefaultStateDir(), "history.db") }
func DefaultSettingsPath() string { return filepath.Join(DefaultConfigDir(), "config.yaml") }
