package config

import (
	"os"
	"path/filepath"
)

const appDirName = ".hub"

// DataDir returns the base data directory for the hub.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// SessionsDir returns the directory where per-session files (agent output
// log, shell scrollback) are stored.
func SessionsDir() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "sessions"), nil
}

// TokenPath returns the path to the API token file.
func TokenPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "token"), nil
}

// DBPath returns the path to the bbolt database file.
func DBPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "hub.db"), nil
}

// ConfigPath returns the path to the hub configuration file.
func ConfigPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "config.toml"), nil
}
