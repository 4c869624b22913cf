// Package manifest defines the backup metadata record and its
// serialization. A manifest is written once per backup and never
// mutated afterwards.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sessionctl/sessionctl/internal/errs"
)

const (
	// FileName is the metadata file inside a backup directory.
	FileName = "metadata.json"

	// FormatVersion is the newest manifest format this build writes
	// and understands.
	FormatVersion = 1
)

// FileEntry describes one physical file in the backup. SHA256 covers
// the exact on-disk bytes (ciphertext when encrypted). When the stored
// bytes are transformed (encryption and/or compression), PlainSHA256
// and PlainSize cover the decoded content so restore can verify the
// result of decoding against the manifest.
type FileEntry struct {
	RelativePath string `json:"relative_path"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
	PlainSHA256  string `json:"plain_sha256,omitempty"`
	PlainSize    int64  `json:"plain_size_bytes,omitempty"`
}

// Manifest is the metadata record for a single backup. Timestamps are
// epoch milliseconds so an incremental's since_timestamp can be
// compared exactly against its base's created_at.
type Manifest struct {
	FormatVersion       int         `json:"format_version"`
	Label               string      `json:"label"`
	CreatedAt           int64       `json:"created_at"`
	Incremental         bool        `json:"incremental"`
	SinceTimestamp      *int64      `json:"since_timestamp,omitempty"`
	BaseLabel           string      `json:"base_label,omitempty"`
	Encrypted           bool        `json:"encrypted"`
	Compression         string      `json:"compression,omitempty"`
	IncludesAttachments bool        `json:"includes_attachments"`
	Profile             string      `json:"profile,omitempty"`
	ToolVersion         string      `json:"tool_version,omitempty"`
	FileEntries         []FileEntry `json:"file_entries"`
}

// CreatedTime returns the creation instant.
func (m Manifest) CreatedTime() time.Time {
	return time.UnixMilli(m.CreatedAt).UTC()
}

// Entry looks up a file entry by backup-relative path.
func (m Manifest) Entry(relativePath string) (FileEntry, bool) {
	for _, e := range m.FileEntries {
		if e.RelativePath == relativePath {
			return e, true
		}
	}
	return FileEntry{}, false
}

// SortAttachmentEntries orders entries deterministically: the database
// artifact (entry 0) stays first, the remainder is sorted by relative
// path. Two backups of identical input then serialize byte-identically
// apart from timestamps.
func SortAttachmentEntries(entries []FileEntry) {
	if len(entries) < 3 {
		return
	}
	rest := entries[1:]
	sort.Slice(rest, func(i, j int) bool { return rest[i].RelativePath < rest[j].RelativePath })
}

func validate(m Manifest) error {
	if len(m.FileEntries) == 0 {
		return errs.Newf(errs.KindIntegrity, "", "manifest has no file entries")
	}
	seen := make(map[string]struct{}, len(m.FileEntries))
	for _, e := range m.FileEntries {
		if e.RelativePath == "" {
			return errs.Newf(errs.KindIntegrity, "", "manifest entry with empty path")
		}
		if _, dup := seen[e.RelativePath]; dup {
			return errs.Newf(errs.KindIntegrity, "", "duplicate manifest entry: %s", e.RelativePath)
		}
		seen[e.RelativePath] = struct{}{}
	}
	if m.Incremental && m.SinceTimestamp == nil {
		return errs.Newf(errs.KindIntegrity, "", "incremental manifest missing since_timestamp")
	}
	return nil
}

// Write serializes the manifest to metadata.json under dir.
func Write(m Manifest, dir string) error {
	if err := validate(m); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	payload = append(payload, '\n')
	if err := os.WriteFile(filepath.Join(dir, FileName), payload, 0o600); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	return nil
}

// Read loads and validates metadata.json from dir. A format_version
// newer than this build supports is a version error.
func Read(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Manifest{}, errs.New(errs.KindIO, "", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errs.Newf(errs.KindIntegrity, "", "malformed manifest: %v", err)
	}
	if m.FormatVersion > FormatVersion {
		return Manifest{}, errs.Newf(errs.KindVersion, "", "manifest format %d is newer than supported %d", m.FormatVersion, FormatVersion)
	}
	if m.FormatVersion < 1 {
		return Manifest{}, errs.Newf(errs.KindIntegrity, "", "manifest missing format_version")
	}
	if err := validate(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
