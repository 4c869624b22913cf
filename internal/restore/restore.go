// Package restore applies a backup onto the live data store. The
// coordinator is a state machine whose swap step relocates the live
// directory aside before installing verified data, so the live path is
// never observed in a mixed old/new state and every failure before
// commit can roll back to the exact pre-restore bytes.
package restore

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/sessionctl/sessionctl/internal/checksum"
	"github.com/sessionctl/sessionctl/internal/compress"
	"github.com/sessionctl/sessionctl/internal/config"
	"github.com/sessionctl/sessionctl/internal/cryptoutil"
	"github.com/sessionctl/sessionctl/internal/delta"
	"github.com/sessionctl/sessionctl/internal/errs"
	"github.com/sessionctl/sessionctl/internal/lock"
	"github.com/sessionctl/sessionctl/internal/manifest"
	"github.com/sessionctl/sessionctl/internal/snapshot"
)

// Stage names the coordinator's states. Failure reports always carry
// the stage that was executing.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageStaging    Stage = "staging"
	StageVerifying  Stage = "verifying"
	StageDecrypting Stage = "decrypting"
	StageSwapping   Stage = "swapping"
	StageCommitted  Stage = "committed"
	StageRolledBack Stage = "rolled_back"
)

const (
	stagingSuffix  = ".restore-staging"
	previousSuffix = ".previous"
	installSubdir  = "install"

	// markerFileName records the last committed restore inside the
	// live root, so an incremental can check it follows its base.
	markerFileName = ".sessionctl-restore.json"
)

// Plan holds the ephemeral paths of one restore invocation. All four
// roots live on the same volume so the swap moves are atomic renames.
type Plan struct {
	BackupRoot   string
	StagingRoot  string
	LiveRoot     string
	PreviousRoot string
}

// NewPlan derives the staging and previous roots as siblings of the
// live root.
func NewPlan(backupRoot, liveRoot string) Plan {
	return Plan{
		BackupRoot:   backupRoot,
		StagingRoot:  liveRoot + stagingSuffix,
		LiveRoot:     liveRoot,
		PreviousRoot: liveRoot + previousSuffix,
	}
}

// Request describes one restore invocation.
type Request struct {
	BackupPath string // <output root>/<label>
	LiveRoot   string
	Password   string
	DryRun     bool // stop after Verifying, touch nothing
}

// Outcome reports the final stage reached and the manifest restored.
type Outcome struct {
	Stage    Stage
	Manifest manifest.Manifest
}

// marker is the committed-restore record kept inside the live root.
type marker struct {
	Label     string `json:"label"`
	CreatedAt int64  `json:"created_at"`
}

// Coordinator runs restores. A zero value is not usable; construct
// with New.
type Coordinator struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Coordinator {
	return &Coordinator{log: log}
}

// Run executes the full state machine for one backup. The destination
// is locked exclusively for the whole span; a concurrent restore
// against the same live root fails immediately with a lock error.
func (c *Coordinator) Run(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Stage: StageIdle}

	guard, err := lock.AcquireExclusive(req.LiveRoot)
	if err != nil {
		return out, err
	}
	defer guard.Release()

	plan := NewPlan(req.BackupPath, req.LiveRoot)

	// A leftover previous_root means an earlier invocation died between
	// relocate and commit. Its rollback must complete before anything
	// else happens.
	if err := c.resolveLeftover(plan); err != nil {
		return out, err
	}

	m, err := manifest.Read(plan.BackupRoot)
	if err != nil {
		return out, err
	}
	out.Manifest = m

	header, encrypted, err := cryptoutil.ReadHeader(plan.BackupRoot)
	if err != nil {
		return out, err
	}
	if m.Encrypted != encrypted {
		return out, errs.Newf(errs.KindIntegrity, string(StageStaging), "manifest and encryption header disagree")
	}
	if m.Encrypted && req.Password == "" && !req.DryRun {
		return out, errs.Newf(errs.KindCrypto, string(StageStaging), "backup is encrypted and no password was supplied")
	}
	if m.Incremental {
		if err := c.checkBase(plan.LiveRoot, m); err != nil {
			return out, err
		}
	}

	// Staging: copy backup files somewhere the live path never sees.
	out.Stage = StageStaging
	if err := c.stageFiles(ctx, plan, m); err != nil {
		os.RemoveAll(plan.StagingRoot)
		return out, err
	}
	defer os.RemoveAll(plan.StagingRoot)

	// Verifying: recompute every digest over the staged bytes.
	out.Stage = StageVerifying
	if err := c.verifyStaged(plan, m); err != nil {
		return out, err
	}

	if req.DryRun {
		c.log.Info().Str("label", m.Label).Msg("dry run: backup verified, live path untouched")
		return out, nil
	}

	// Decrypting: decode staged files in place, then check the decoded
	// bytes against the manifest's plaintext digests. A mismatch here
	// means wrong password or corrupted ciphertext.
	out.Stage = StageDecrypting
	if err := c.decodeStaged(m, header, req.Password, plan); err != nil {
		return out, err
	}

	// Swapping: relocate live aside, install the verified data.
	out.Stage = StageSwapping
	var swapErr error
	if m.Incremental {
		swapErr = c.applyIncremental(ctx, plan, m)
	} else {
		swapErr = c.swapFull(plan, m)
	}
	if swapErr != nil {
		if rbErr := c.rollback(plan); rbErr != nil {
			// Neither old nor new state is guaranteed intact.
			c.log.Error().Err(rbErr).Str("previous", plan.PreviousRoot).
				Msg("ROLLBACK FAILED: live data state is not guaranteed; manual intervention required")
			return out, errs.Newf(errs.KindFatal, string(StageSwapping),
				"restore failed (%v) and rollback also failed (%v): manual intervention required, previous data kept at %s",
				swapErr, rbErr, plan.PreviousRoot)
		}
		out.Stage = StageRolledBack
		c.log.Warn().Err(swapErr).Msg("restore rolled back, live data unchanged")
		return out, swapErr
	}

	// Committed: only now is the relocated previous copy discarded.
	out.Stage = StageCommitted
	if err := os.RemoveAll(plan.PreviousRoot); err != nil {
		c.log.Warn().Err(err).Str("path", plan.PreviousRoot).Msg("could not remove previous data copy")
	}
	c.log.Info().Str("label", m.Label).Str("live", plan.LiveRoot).Msg("restore committed")
	return out, nil
}

// resolveLeftover completes the rollback of an interrupted earlier
// restore if its previous_root is still present.
func (c *Coordinator) resolveLeftover(plan Plan) error {
	if _, err := os.Stat(plan.PreviousRoot); os.IsNotExist(err) {
		return nil
	}
	c.log.Warn().Str("previous", plan.PreviousRoot).
		Msg("found leftover previous data from an interrupted restore; completing its rollback")
	if _, err := os.Stat(plan.LiveRoot); err == nil {
		// The interrupted run got past the install move but never
		// committed; the installed data is unverified, the relocated
		// copy is authoritative.
		if err := os.RemoveAll(plan.LiveRoot); err != nil {
			return errs.New(errs.KindIO, string(StageStaging), err)
		}
	}
	if err := os.Rename(plan.PreviousRoot, plan.LiveRoot); err != nil {
		return errs.Newf(errs.KindFatal, string(StageStaging),
			"could not complete rollback of earlier restore: %v: manual intervention required", err)
	}
	os.RemoveAll(plan.StagingRoot)
	return nil
}

// checkBase enforces that an incremental is only applied after its
// base. The committed-restore marker is the evidence; without it the
// live store's provenance is unknown and the delta is refused.
func (c *Coordinator) checkBase(liveRoot string, m manifest.Manifest) error {
	dbPath := filepath.Join(liveRoot, config.DBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return errs.Newf(errs.KindIntegrity, string(StageStaging),
			"incremental backup requires a restored base: %s not found", dbPath)
	}
	data, err := os.ReadFile(filepath.Join(liveRoot, markerFileName))
	if err != nil {
		return errs.Newf(errs.KindIntegrity, string(StageStaging),
			"incremental backup %s requires base %s to be restored first", m.Label, m.BaseLabel)
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return errs.Newf(errs.KindIntegrity, string(StageStaging), "malformed restore marker: %v", err)
	}
	if m.BaseLabel != "" && mk.Label != m.BaseLabel {
		return errs.Newf(errs.KindIntegrity, string(StageStaging),
			"incremental is a delta against %s but live data was restored from %s", m.BaseLabel, mk.Label)
	}
	if m.SinceTimestamp != nil && mk.CreatedAt != *m.SinceTimestamp {
		return errs.Newf(errs.KindIntegrity, string(StageStaging),
			"incremental since_timestamp %d does not match base created_at %d", *m.SinceTimestamp, mk.CreatedAt)
	}
	return nil
}

// stageFiles copies every manifest entry into a fresh staging root.
func (c *Coordinator) stageFiles(ctx context.Context, plan Plan, m manifest.Manifest) error {
	if err := os.RemoveAll(plan.StagingRoot); err != nil {
		return errs.New(errs.KindIO, string(StageStaging), err)
	}
	for _, entry := range m.FileEntries {
		if ctx.Err() != nil {
			return errs.New(errs.KindIO, string(StageStaging), ctx.Err())
		}
		src := filepath.Join(plan.BackupRoot, filepath.FromSlash(entry.RelativePath))
		dst := filepath.Join(plan.StagingRoot, filepath.FromSlash(entry.RelativePath))
		if err := copyFile(src, dst); err != nil {
			return errs.New(errs.KindIO, string(StageStaging), err)
		}
	}
	return nil
}

// verifyStaged recomputes every on-disk digest against the manifest.
func (c *Coordinator) verifyStaged(plan Plan, m manifest.Manifest) error {
	expected := make([]checksum.Expected, 0, len(m.FileEntries))
	for _, e := range m.FileEntries {
		expected = append(expected, checksum.Expected{RelativePath: e.RelativePath, SHA256: e.SHA256})
	}
	mismatches, err := checksum.VerifyAll(expected, plan.StagingRoot)
	if err != nil {
		return errs.New(errs.KindIO, string(StageVerifying), err)
	}
	if len(mismatches) > 0 {
		for _, mm := range mismatches {
			c.log.Error().Str("file", mm.Entry.RelativePath).Str("reason", mm.Reason).Msg("checksum mismatch")
		}
		return errs.Newf(errs.KindIntegrity, string(StageVerifying),
			"%d of %d files failed verification, backup is corrupt", len(mismatches), len(m.FileEntries))
	}
	return nil
}

// decodeStaged reverses the storage transforms (encryption, then
// compression) in place and checks the decoded bytes.
func (c *Coordinator) decodeStaged(m manifest.Manifest, header cryptoutil.Header, password string, plan Plan) error {
	var key []byte
	if m.Encrypted {
		salt, err := header.SaltBytes()
		if err != nil {
			return err
		}
		key, err = cryptoutil.DeriveKey(password, salt, header.Iterations)
		if err != nil {
			return err
		}
	}

	for _, entry := range m.FileEntries {
		path := filepath.Join(plan.StagingRoot, filepath.FromSlash(entry.RelativePath))
		if m.Encrypted {
			if err := cryptoutil.DecryptFileInPlace(path, key); err != nil {
				return errs.New(errs.KindCrypto, string(StageDecrypting), err)
			}
		}
		if m.Compression != "" && m.Compression != compress.TypeNone {
			if err := decompressFileInPlace(path, m.Compression); err != nil {
				// Garbage from a wrong password rarely parses as a
				// valid compressed stream.
				return errs.Newf(errs.KindCrypto, string(StageDecrypting),
					"decode %s: %v (wrong password or corrupted ciphertext)", entry.RelativePath, err)
			}
		}
		if entry.PlainSHA256 != "" {
			got, err := checksum.Compute(path)
			if err != nil {
				return errs.New(errs.KindIO, string(StageDecrypting), err)
			}
			if got != entry.PlainSHA256 {
				return errs.Newf(errs.KindCrypto, string(StageDecrypting),
					"decoded %s does not match manifest digest: wrong password or corrupted ciphertext", entry.RelativePath)
			}
		}
	}
	return nil
}

// swapFull installs a full backup. The staged files are first arranged
// into a live-shaped tree, then the two moves run: live aside, install
// in. Both are atomic renames on the same volume.
func (c *Coordinator) swapFull(plan Plan, m manifest.Manifest) error {
	install := filepath.Join(plan.StagingRoot, installSubdir)
	if err := os.MkdirAll(install, 0o750); err != nil {
		return errs.New(errs.KindIO, string(StageSwapping), err)
	}

	if err := os.Rename(
		filepath.Join(plan.StagingRoot, snapshot.DBArtifactName),
		filepath.Join(install, config.DBFileName),
	); err != nil {
		return errs.New(errs.KindIO, string(StageSwapping), err)
	}
	stagedAttachments := filepath.Join(plan.StagingRoot, snapshot.AttachmentsSubdir)
	if _, err := os.Stat(stagedAttachments); err == nil {
		if err := os.Rename(stagedAttachments, filepath.Join(install, config.AttachmentsDir)); err != nil {
			return errs.New(errs.KindIO, string(StageSwapping), err)
		}
	}
	if err := writeMarker(install, m); err != nil {
		return err
	}

	// Move one: live aside. From here until move two completes, the
	// live path does not exist.
	liveExisted := true
	if _, err := os.Stat(plan.LiveRoot); os.IsNotExist(err) {
		liveExisted = false
	}
	if liveExisted {
		if err := os.Rename(plan.LiveRoot, plan.PreviousRoot); err != nil {
			return errs.New(errs.KindIO, string(StageSwapping), err)
		}
	}
	if failAfterRelocate != nil {
		if err := failAfterRelocate(); err != nil {
			return errs.New(errs.KindIO, string(StageSwapping), err)
		}
	}
	// Move two: install in.
	if err := os.Rename(install, plan.LiveRoot); err != nil {
		return errs.New(errs.KindIO, string(StageSwapping), err)
	}
	return nil
}

// failAfterRelocate is a failpoint between the two swap moves, settable
// only from tests.
var failAfterRelocate func() error

// applyIncremental installs a delta on top of the restored base. The
// live root is relocated aside and a working copy is built in its
// place, so a failure mid-apply still rolls back to the untouched
// previous copy.
func (c *Coordinator) applyIncremental(ctx context.Context, plan Plan, m manifest.Manifest) error {
	if err := os.Rename(plan.LiveRoot, plan.PreviousRoot); err != nil {
		return errs.New(errs.KindIO, string(StageSwapping), err)
	}
	if err := copyTree(plan.PreviousRoot, plan.LiveRoot); err != nil {
		return errs.New(errs.KindIO, string(StageSwapping), err)
	}

	rows, err := delta.ReadArtifact(filepath.Join(plan.StagingRoot, delta.ArtifactName))
	if err != nil {
		return err
	}
	if err := delta.Apply(ctx, filepath.Join(plan.LiveRoot, config.DBFileName), rows); err != nil {
		return err
	}

	stagedAttachments := filepath.Join(plan.StagingRoot, snapshot.AttachmentsSubdir)
	if _, err := os.Stat(stagedAttachments); err == nil {
		if err := copyTree(stagedAttachments, filepath.Join(plan.LiveRoot, config.AttachmentsDir)); err != nil {
			return errs.New(errs.KindIO, string(StageSwapping), err)
		}
	}
	if err := writeMarker(plan.LiveRoot, m); err != nil {
		return err
	}
	return nil
}

// rollback restores the exact pre-restore bytes from previous_root.
func (c *Coordinator) rollback(plan Plan) error {
	if _, err := os.Stat(plan.PreviousRoot); os.IsNotExist(err) {
		// Nothing was relocated; the live path was never touched.
		return nil
	}
	if _, err := os.Stat(plan.LiveRoot); err == nil {
		if err := os.RemoveAll(plan.LiveRoot); err != nil {
			return err
		}
	}
	return os.Rename(plan.PreviousRoot, plan.LiveRoot)
}

func writeMarker(dir string, m manifest.Manifest) error {
	payload, err := json.MarshalIndent(marker{Label: m.Label, CreatedAt: m.CreatedAt}, "", "  ")
	if err != nil {
		return errs.New(errs.KindIO, string(StageSwapping), err)
	}
	if err := os.WriteFile(filepath.Join(dir, markerFileName), payload, 0o600); err != nil {
		return errs.New(errs.KindIO, string(StageSwapping), err)
	}
	return nil
}

// decompressFileInPlace replaces path with its decompressed contents
// via a temp file in the same directory.
func decompressFileInPlace(path, kind string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := compress.NewReader(kind, in)
	if err != nil {
		return err
	}
	defer dec.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".decompress-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, dec); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(p, target)
	})
}
