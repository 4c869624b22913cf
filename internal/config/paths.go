package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Fixed names inside the application's data directory.
const (
	DBFileName     = "db.sqlite"
	AttachmentsDir = "attachments.noindex"
)

// DataPath resolves the profile's data directory: an explicit override
// wins, otherwise the platform default for the Session desktop app.
func (p ProfileConfig) DataPath() (string, error) {
	if p.DataDir != "" {
		return p.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Session"), nil
	case "linux":
		return filepath.Join(home, ".config", "Session"), nil
	default:
		return "", fmt.Errorf("no default data directory for %s; set profile.data_dir", runtime.GOOS)
	}
}

// DBPath returns the database file inside the data directory.
func (p ProfileConfig) DBPath() (string, error) {
	base, err := p.DataPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, DBFileName), nil
}

// AttachmentsPath returns the attachment tree inside the data directory.
func (p ProfileConfig) AttachmentsPath() (string, error) {
	base, err := p.DataPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, AttachmentsDir), nil
}
