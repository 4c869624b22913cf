// Package checksum computes and verifies SHA-256 digests over backup
// files and reads/writes the checksum.txt companion file.
package checksum

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sessionctl/sessionctl/internal/errs"
)

// FileName is the checksum companion file inside a backup directory.
const FileName = "checksum.txt"

const chunkSize = 32 * 1024

// Expected pairs a backup-relative path with its recorded digest.
type Expected struct {
	RelativePath string
	SHA256       string
}

// Mismatch describes one entry whose recomputed digest disagrees.
type Mismatch struct {
	Entry  Expected
	Reason string
}

// Compute streams the file at path and returns its hex SHA-256 digest.
func Compute(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.New(errs.KindIO, "", err)
	}
	defer f.Close()
	return ComputeReader(f)
}

// ComputeReader digests r in fixed-size chunks.
func ComputeReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", errs.New(errs.KindIO, "", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyAll recomputes every expected digest under root. The returned
// slice holds one Mismatch per disagreeing or unreadable entry; an
// empty slice means the set verified cleanly.
func VerifyAll(entries []Expected, root string) ([]Mismatch, error) {
	var mismatches []Mismatch
	for _, entry := range entries {
		path := filepath.Join(root, filepath.FromSlash(entry.RelativePath))
		got, err := Compute(path)
		if err != nil {
			if os.IsNotExist(unwrapAll(err)) {
				mismatches = append(mismatches, Mismatch{Entry: entry, Reason: "file missing"})
				continue
			}
			return nil, err
		}
		if got != entry.SHA256 {
			mismatches = append(mismatches, Mismatch{
				Entry:  entry,
				Reason: fmt.Sprintf("digest %s, expected %s", got, entry.SHA256),
			})
		}
	}
	return mismatches, nil
}

// WriteFile persists entries as checksum.txt under dir, one
// "<hex-digest>  <relative_path>" line per file, sorted by path.
func WriteFile(dir string, entries []Expected) error {
	sorted := append([]Expected(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })

	var b strings.Builder
	for _, e := range sorted {
		fmt.Fprintf(&b, "%s  %s\n", e.SHA256, e.RelativePath)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(b.String()), 0o600); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	return nil
}

// ReadFile parses a checksum.txt file back into entries.
func ReadFile(dir string) ([]Expected, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		return nil, errs.New(errs.KindIO, "", err)
	}
	defer f.Close()

	var entries []Expected
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		digest, rel, ok := strings.Cut(line, "  ")
		if !ok || len(digest) != sha256.Size*2 {
			return nil, errs.Newf(errs.KindIntegrity, "", "malformed checksum line: %q", line)
		}
		entries = append(entries, Expected{RelativePath: rel, SHA256: digest})
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.KindIO, "", err)
	}
	return entries, nil
}

func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
