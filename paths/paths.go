// Package paths provides centralized path resolution for pfman's data directories.
//
// pfman follows the XDG Base Directory Specification:
//
//   - Config (XDG_CONFIG_HOME): sessions.yaml, settings.toml (user-authored files)
//   - Data (XDG_DATA_HOME): logs/<id>.log (captured tunnel output)
//   - State (XDG_STATE_HOME): state.db, pfman.log, supervisor.lock (runtime state)
//
// Resolution order:
//  1. If PFMAN_HOME is set → flat layout, every path under $PFMAN_HOME
//  2. XDG env vars, each falling back to its documented default
//     (~/.config, ~/.local/share, ~/.local/state)
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// HomeEnv names the environment variable that selects the flat layout.
const HomeEnv = "PFMAN_HOME"

const appDir = "pfman"

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	dataDir   string
	stateDir  string
	flat      bool
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	// 1. Explicit override
	if root := os.Getenv(HomeEnv); root != "" {
		resolved = &resolvedPaths{
			configDir: root,
			dataDir:   root,
			stateDir:  root,
			flat:      true,
		}
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	// 2. XDG layout, fill in defaults for unset vars
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}

	resolved = &resolvedPaths{
		configDir: filepath.Join(xdgConfig, appDir),
		dataDir:   filepath.Join(xdgData, appDir),
		stateDir:  filepath.Join(xdgState, appDir),
	}
	return resolved, nil
}

// ConfigDir returns the directory for user-authored files.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the directory for persistent data files.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for runtime state.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// SessionsFilePath returns the full path to sessions.yaml.
func SessionsFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.yaml"), nil
}

// SettingsFilePath returns the full path to settings.toml.
func SettingsFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.toml"), nil
}

// LogsDir returns the directory holding per-session output logs.
func LogsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// StateDBPath returns the path of the runtime snapshot database.
func StateDBPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// SupervisorLockPath returns the lock file held by a running `pfman supervise`.
func SupervisorLockPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "supervisor.lock"), nil
}

// IsFlatLayout returns true if PFMAN_HOME selected the single-directory layout.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return false
	}
	return r.flat
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
