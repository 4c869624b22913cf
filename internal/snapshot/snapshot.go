// Package snapshot produces backup artifacts from the live data store.
// A snapshot never mutates global state: it holds a shared lock on the
// source database, writes files under the output directory, and returns
// the draft manifest. Any failure removes the partially written backup
// directory before the error propagates.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sessionctl/sessionctl/internal/checksum"
	"github.com/sessionctl/sessionctl/internal/compress"
	"github.com/sessionctl/sessionctl/internal/cryptoutil"
	"github.com/sessionctl/sessionctl/internal/delta"
	"github.com/sessionctl/sessionctl/internal/errs"
	"github.com/sessionctl/sessionctl/internal/lock"
	"github.com/sessionctl/sessionctl/internal/manifest"
	"github.com/sessionctl/sessionctl/internal/version"
)

const (
	// DBArtifactName is the database copy inside a full backup.
	DBArtifactName = "db.sqlite"

	// AttachmentsSubdir holds copied attachment files.
	AttachmentsSubdir = "attachments"

	fullLabelPrefix        = "session-backup-"
	incrementalLabelPrefix = "session-incremental-"

	labelTimeFormat = "20060102_150405"
)

// Options controls how a snapshot is taken.
type Options struct {
	IncludeAttachments bool
	Compression        string // none, gzip, zstd
	Password           string // non-empty enables encryption
}

// Request names the source paths and output location for one snapshot.
// Paths are passed explicitly so one process can back up several
// profiles.
type Request struct {
	SourceDB       string
	AttachmentsDir string
	OutputDir      string
	Profile        string
	Label          string // empty generates a timestamped label
	Base           *manifest.Manifest
	BaseLabel      string
	Options        Options
}

// Result is a finished snapshot: its label, absolute path, and the
// manifest that was persisted alongside it.
type Result struct {
	Label    string
	Path     string
	Manifest manifest.Manifest
}

// Create builds a full or incremental backup under
// req.OutputDir/<label>/. Incremental mode is selected by a non-nil
// req.Base; its created_at becomes the delta's since_timestamp.
func Create(ctx context.Context, log zerolog.Logger, req Request) (_ *Result, err error) {
	comp, err := compress.Normalize(req.Options.Compression)
	if err != nil {
		return nil, errs.New(errs.KindIO, "snapshot", err)
	}

	if _, err := os.Stat(req.SourceDB); err != nil {
		return nil, errs.New(errs.KindIO, "snapshot", err)
	}

	incremental := req.Base != nil
	label := req.Label
	if label == "" {
		prefix := fullLabelPrefix
		if incremental {
			prefix = incrementalLabelPrefix
		}
		label = prefix + time.Now().UTC().Format(labelTimeFormat)
	}

	backupPath := filepath.Join(req.OutputDir, label)
	if _, statErr := os.Stat(backupPath); statErr == nil {
		return nil, errs.Newf(errs.KindIO, "snapshot", "backup already exists: %s", backupPath)
	}
	if err := os.MkdirAll(backupPath, 0o750); err != nil {
		return nil, errs.New(errs.KindIO, "snapshot", err)
	}
	// No half-written backup is ever left behind as if complete.
	defer func() {
		if err != nil {
			os.RemoveAll(backupPath)
		}
	}()

	guard, err := lock.AcquireShared(req.SourceDB)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	var key []byte
	var salt []byte
	if req.Options.Password != "" {
		salt, err = cryptoutil.NewSalt()
		if err != nil {
			return nil, err
		}
		key, err = cryptoutil.DeriveKey(req.Options.Password, salt, cryptoutil.KDFIterations)
		if err != nil {
			return nil, err
		}
	}

	st := &stager{root: backupPath, compression: comp, key: key}

	m := manifest.Manifest{
		FormatVersion:       manifest.FormatVersion,
		Label:               label,
		CreatedAt:           time.Now().UTC().UnixMilli(),
		Incremental:         incremental,
		Encrypted:           key != nil,
		IncludesAttachments: req.Options.IncludeAttachments,
		Profile:             req.Profile,
		ToolVersion:         version.Version,
	}
	if comp != compress.TypeNone {
		m.Compression = comp
	}

	var attachmentRefs []string
	if incremental {
		since := req.Base.CreatedAt
		m.SinceTimestamp = &since
		m.BaseLabel = req.BaseLabel

		entry, refs, derr := st.stageDelta(ctx, req.SourceDB, since)
		if derr != nil {
			return nil, derr
		}
		m.FileEntries = append(m.FileEntries, entry)
		attachmentRefs = refs
		log.Debug().Int("attachments", len(refs)).Int64("since", since).Msg("delta extracted")
	} else {
		entry, cerr := st.stageFile(ctx, req.SourceDB, DBArtifactName)
		if cerr != nil {
			return nil, cerr
		}
		m.FileEntries = append(m.FileEntries, entry)
	}

	if req.Options.IncludeAttachments {
		entries, aerr := st.stageAttachments(ctx, req.AttachmentsDir, attachmentRefs, incremental)
		if aerr != nil {
			return nil, aerr
		}
		m.FileEntries = append(m.FileEntries, entries...)
	}
	manifest.SortAttachmentEntries(m.FileEntries)

	expected := make([]checksum.Expected, 0, len(m.FileEntries))
	for _, e := range m.FileEntries {
		expected = append(expected, checksum.Expected{RelativePath: e.RelativePath, SHA256: e.SHA256})
	}
	if err = checksum.WriteFile(backupPath, expected); err != nil {
		return nil, err
	}
	if err = manifest.Write(m, backupPath); err != nil {
		return nil, err
	}
	if key != nil {
		if err = cryptoutil.WriteHeader(backupPath, cryptoutil.NewHeader(salt, manifest.FileName)); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("label", label).
		Bool("incremental", incremental).
		Bool("encrypted", key != nil).
		Int("files", len(m.FileEntries)).
		Msg("snapshot created")

	return &Result{Label: label, Path: backupPath, Manifest: m}, nil
}

// stager copies payload files into the backup, applying the optional
// compression and encryption transforms and recording both the on-disk
// and the plaintext digests.
type stager struct {
	root        string
	compression string
	key         []byte
}

func (s *stager) transformed() bool {
	return s.key != nil || s.compression != compress.TypeNone
}

// stageFile copies src into the backup at relPath (slash-separated).
func (s *stager) stageFile(ctx context.Context, src, relPath string) (manifest.FileEntry, error) {
	if ctx.Err() != nil {
		return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", ctx.Err())
	}

	in, err := os.Open(src)
	if err != nil {
		return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", err)
	}
	defer in.Close()

	dst := filepath.Join(s.root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", err)
	}
	defer out.Close()

	plainHash := sha256.New()
	tee := io.TeeReader(in, plainHash)
	var plainSize int64

	if s.key != nil {
		// Pipeline: plaintext -> [compress] -> pipe -> encrypt -> file.
		pr, pw := io.Pipe()
		eg, _ := errgroup.WithContext(ctx)
		eg.Go(func() error {
			_, encErr := cryptoutil.EncryptStream(out, pr, s.key)
			pr.CloseWithError(encErr)
			return encErr
		})
		eg.Go(func() error {
			cw, werr := compress.NewWriter(s.compression, pw)
			if werr != nil {
				pw.CloseWithError(werr)
				return werr
			}
			n, cerr := io.Copy(cw, tee)
			plainSize = n
			if cerr == nil {
				cerr = cw.Close()
			}
			pw.CloseWithError(cerr)
			return cerr
		})
		if err := eg.Wait(); err != nil {
			return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", err)
		}
	} else {
		cw, werr := compress.NewWriter(s.compression, out)
		if werr != nil {
			return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", werr)
		}
		n, cerr := io.Copy(cw, tee)
		plainSize = n
		if cerr == nil {
			cerr = cw.Close()
		}
		if cerr != nil {
			return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", cerr)
		}
	}
	if err := out.Sync(); err != nil {
		return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", err)
	}
	if err := out.Close(); err != nil {
		return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return manifest.FileEntry{}, errs.New(errs.KindIO, "snapshot", err)
	}
	diskDigest, err := checksum.Compute(dst)
	if err != nil {
		return manifest.FileEntry{}, err
	}

	entry := manifest.FileEntry{
		RelativePath: relPath,
		SizeBytes:    info.Size(),
		SHA256:       diskDigest,
	}
	if s.transformed() {
		entry.PlainSHA256 = hex.EncodeToString(plainHash.Sum(nil))
		entry.PlainSize = plainSize
	}
	return entry, nil
}

// stageDelta extracts rows changed after since into the delta artifact
// and reports the attachment paths those rows reference.
func (s *stager) stageDelta(ctx context.Context, sourceDB string, since int64) (manifest.FileEntry, []string, error) {
	sel, err := delta.Open(sourceDB)
	if err != nil {
		return manifest.FileEntry{}, nil, err
	}
	defer sel.Close()

	cur, err := sel.Changed(ctx, since)
	if err != nil {
		return manifest.FileEntry{}, nil, err
	}
	defer cur.Close()
	rows, refs, err := delta.Collect(cur)
	if err != nil {
		return manifest.FileEntry{}, nil, err
	}

	tmp, err := os.CreateTemp(s.root, ".delta-*")
	if err != nil {
		return manifest.FileEntry{}, nil, errs.New(errs.KindIO, "snapshot", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := delta.WriteArtifact(tmpPath, rows); err != nil {
		return manifest.FileEntry{}, nil, err
	}
	entry, err := s.stageFile(ctx, tmpPath, delta.ArtifactName)
	if err != nil {
		return manifest.FileEntry{}, nil, err
	}
	return entry, refs, nil
}

// stageAttachments copies attachment files into the backup. Full mode
// walks the whole tree; incremental mode copies only the referenced
// paths. Paths are sorted before copying so manifest order is stable.
func (s *stager) stageAttachments(ctx context.Context, attachmentsDir string, refs []string, incremental bool) ([]manifest.FileEntry, error) {
	if _, err := os.Stat(attachmentsDir); os.IsNotExist(err) {
		return nil, nil
	}

	var rels []string
	if incremental {
		for _, ref := range refs {
			src := filepath.Join(attachmentsDir, filepath.FromSlash(ref))
			if _, err := os.Stat(src); err == nil {
				rels = append(rels, ref)
			}
		}
	} else {
		err := filepath.WalkDir(attachmentsDir, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(attachmentsDir, p)
			if relErr != nil {
				return relErr
			}
			rels = append(rels, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, errs.New(errs.KindIO, "snapshot", err)
		}
	}
	sort.Strings(rels)

	entries := make([]manifest.FileEntry, 0, len(rels))
	for _, rel := range rels {
		src := filepath.Join(attachmentsDir, filepath.FromSlash(rel))
		entry, err := s.stageFile(ctx, src, path.Join(AttachmentsSubdir, rel))
		if err != nil {
			return nil, fmt.Errorf("stage attachment %s: %w", rel, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
