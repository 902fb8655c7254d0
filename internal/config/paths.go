package config

import (
	"os"
	"path/filepath"
)

// UserConfigDir returns ~/.lucidity, where the host keypair, trust
// database, and optional settings.json live.
func UserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".lucidity"), nil
}

// EnsureUserConfigDir creates the user config directory if it doesn't
// already exist.
func EnsureUserConfigDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
