package utils

import (
	"os"
	"path/filepath"
)

const DefaultDataDirName = "merkwerk-data"

// GetDefaultDataDir returns the per-user data directory, falling back to a
// directory next to the working directory.
func GetDefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return DefaultDataDirName
	}
	return filepath.Join(base, "merkwerk")
}

func GetDefaultTempDir() string {
	tmpDir, err := os.MkdirTemp("", "merkwerk-*")
	if err != nil {
		return filepath.Join(os.TempDir(), "merkwerk")
	}
	return tmpDir
}
