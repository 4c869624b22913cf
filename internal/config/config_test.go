package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Global.LogLevel != "info" || cfg.Backup.OutputDir != "./backups" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Backup.IncludeAttachments {
		t.Fatalf("attachments should be included by default")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessionctl.yaml")
	content := "profile:\n  name: staging\n  data_dir: /tmp/session\nbackup:\n  compression: zstd\n  encrypt: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Profile.Name != "staging" || cfg.Profile.DataDir != "/tmp/session" {
		t.Fatalf("profile not loaded: %+v", cfg.Profile)
	}
	if cfg.Backup.Compression != "zstd" || !cfg.Backup.Encrypt {
		t.Fatalf("backup section not loaded: %+v", cfg.Backup)
	}
}

func TestEncryptedConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "sessionctl.yaml")
	encPath := filepath.Join(dir, "sessionctl.yaml.enc")
	if err := os.WriteFile(plainPath, []byte("profile:\n  data_dir: /tmp/enc-session\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	key := base64.StdEncoding.EncodeToString(raw)

	if err := EncryptConfigFile(plainPath, encPath, key); err != nil {
		t.Fatalf("encrypt config: %v", err)
	}
	t.Setenv("SESSIONCTL_CONFIG_KEY", key)

	cfg, err := Load(encPath)
	if err != nil {
		t.Fatalf("load encrypted: %v", err)
	}
	if cfg.Profile.DataDir != "/tmp/enc-session" {
		t.Fatalf("encrypted config not applied: %+v", cfg.Profile)
	}
}

func TestProfilePaths(t *testing.T) {
	p := ProfileConfig{DataDir: "/data/Session"}
	db, err := p.DBPath()
	if err != nil {
		t.Fatalf("db path: %v", err)
	}
	if db != filepath.Join("/data/Session", DBFileName) {
		t.Fatalf("unexpected db path: %s", db)
	}
	att, err := p.AttachmentsPath()
	if err != nil {
		t.Fatalf("attachments path: %v", err)
	}
	if att != filepath.Join("/data/Session", AttachmentsDir) {
		t.Fatalf("unexpected attachments path: %s", att)
	}
}
