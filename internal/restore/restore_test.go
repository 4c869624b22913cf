package restore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sessionctl/sessionctl/internal/config"
	"github.com/sessionctl/sessionctl/internal/errs"
	"github.com/sessionctl/sessionctl/internal/lock"
	"github.com/sessionctl/sessionctl/internal/snapshot"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

const testSchema = `CREATE TABLE messages (
	id TEXT PRIMARY KEY,
	received_at INTEGER NOT NULL,
	json TEXT NOT NULL
)`

// newLiveStore builds a live-shaped data directory with a real sqlite
// database and one attachment.
func newLiveStore(t *testing.T, rows map[string]int64) string {
	t.Helper()
	live := filepath.Join(t.TempDir(), "Session")
	if err := os.MkdirAll(filepath.Join(live, config.AttachmentsDir, "ab"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(live, config.DBFileName))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for id, at := range rows {
		if _, err := db.Exec(`INSERT INTO messages (id, received_at, json) VALUES (?, ?, ?)`,
			id, at, `{"id":"`+id+`"}`); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	db.Close()
	if err := os.WriteFile(filepath.Join(live, config.AttachmentsDir, "ab", "ab1.jpg"), []byte("pic"), 0o600); err != nil {
		t.Fatalf("write attachment: %v", err)
	}
	return live
}

func backupOf(t *testing.T, live string, opts snapshot.Options) *snapshot.Result {
	t.Helper()
	res, err := snapshot.Create(context.Background(), testLogger(), snapshot.Request{
		SourceDB:       filepath.Join(live, config.DBFileName),
		AttachmentsDir: filepath.Join(live, config.AttachmentsDir),
		OutputDir:      t.TempDir(),
		Options:        opts,
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return res
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		data, rerr := os.ReadFile(p)
		if rerr != nil {
			return rerr
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

func TestRoundTripByteIdentical(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	res := backupOf(t, source, snapshot.Options{IncludeAttachments: true})
	want := readTree(t, source)

	target := filepath.Join(t.TempDir(), "Session")
	out, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if out.Stage != StageCommitted {
		t.Fatalf("final stage = %s", out.Stage)
	}

	got := readTree(t, target)
	delete(got, markerFileName)
	for rel, content := range want {
		if got[rel] != content {
			t.Fatalf("restored %s differs from source", rel)
		}
	}
	if _, err := os.Stat(target + previousSuffix); !os.IsNotExist(err) {
		t.Fatalf("previous root not cleaned up after commit")
	}
	if _, err := os.Stat(target + stagingSuffix); !os.IsNotExist(err) {
		t.Fatalf("staging root not cleaned up after commit")
	}
}

func TestEncryptedRoundTripAndWrongPassword(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	res := backupOf(t, source, snapshot.Options{IncludeAttachments: true, Password: "correct"})

	wrongTarget := filepath.Join(t.TempDir(), "Session")
	out, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   wrongTarget,
		Password:   "incorrect",
	})
	if !errors.Is(err, errs.Crypto) {
		t.Fatalf("expected crypto error for wrong password, got %v", err)
	}
	if out.Stage != StageDecrypting {
		t.Fatalf("wrong password detected in stage %s", out.Stage)
	}
	if _, statErr := os.Stat(wrongTarget); !os.IsNotExist(statErr) {
		t.Fatalf("live path touched by failed decrypt")
	}

	target := filepath.Join(t.TempDir(), "Session")
	out, err = New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
		Password:   "correct",
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if out.Stage != StageCommitted {
		t.Fatalf("final stage = %s", out.Stage)
	}
	wantDB, _ := os.ReadFile(filepath.Join(source, config.DBFileName))
	gotDB, _ := os.ReadFile(filepath.Join(target, config.DBFileName))
	if string(wantDB) != string(gotDB) {
		t.Fatalf("decrypted database differs from source")
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000, "m2": 2000})
	res := backupOf(t, source, snapshot.Options{IncludeAttachments: true, Compression: "zstd", Password: "pw"})

	target := filepath.Join(t.TempDir(), "Session")
	if _, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
		Password:   "pw",
	}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	wantDB, _ := os.ReadFile(filepath.Join(source, config.DBFileName))
	gotDB, _ := os.ReadFile(filepath.Join(target, config.DBFileName))
	if string(wantDB) != string(gotDB) {
		t.Fatalf("database differs after compressed round trip")
	}
}

func TestCorruptBackupRefusedInVerifying(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	res := backupOf(t, source, snapshot.Options{IncludeAttachments: true})

	// Flip bytes in the stored database artifact.
	artifact := filepath.Join(res.Path, snapshot.DBArtifactName)
	if err := os.WriteFile(artifact, []byte("corrupted"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	target := filepath.Join(t.TempDir(), "Session")
	out, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
	})
	if !errors.Is(err, errs.Integrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if out.Stage != StageVerifying {
		t.Fatalf("corruption detected in stage %s", out.Stage)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Fatalf("live path touched by refused restore")
	}
}

func TestFaultAfterRelocateRollsBack(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	res := backupOf(t, source, snapshot.Options{IncludeAttachments: true})

	// The target already holds different live data.
	target := newLiveStore(t, map[string]int64{"old1": 1, "old2": 2})
	before := readTree(t, target)

	failAfterRelocate = func() error { return errors.New("injected fault between moves") }
	defer func() { failAfterRelocate = nil }()

	out, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
	})
	if err == nil {
		t.Fatalf("expected injected failure")
	}
	if out.Stage != StageRolledBack {
		t.Fatalf("final stage = %s, want %s", out.Stage, StageRolledBack)
	}

	after := readTree(t, target)
	if len(after) != len(before) {
		t.Fatalf("rollback changed file set: %d vs %d", len(after), len(before))
	}
	for rel, content := range before {
		if after[rel] != content {
			t.Fatalf("rollback did not restore %s", rel)
		}
	}
	if _, statErr := os.Stat(target + previousSuffix); !os.IsNotExist(statErr) {
		t.Fatalf("previous root left behind after rollback")
	}
}

func TestConcurrentRestoreFailsWithLockError(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	res := backupOf(t, source, snapshot.Options{})

	target := filepath.Join(t.TempDir(), "Session")
	guard, err := lock.AcquireExclusive(target)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	_, err = New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
	})
	if !errors.Is(err, errs.Lock) {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestLeftoverPreviousResolvedBeforeRestore(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	res := backupOf(t, source, snapshot.Options{})

	// Simulate an interrupted run: previous holds the old data, live
	// holds an unverified partial install.
	target := filepath.Join(t.TempDir(), "Session")
	if err := os.MkdirAll(target, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(target, config.DBFileName), []byte("unverified partial"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(target+previousSuffix, 0o750); err != nil {
		t.Fatalf("mkdir previous: %v", err)
	}
	if err := os.WriteFile(filepath.Join(target+previousSuffix, config.DBFileName), []byte("authentic old bytes"), 0o600); err != nil {
		t.Fatalf("write previous: %v", err)
	}

	out, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if out.Stage != StageCommitted {
		t.Fatalf("final stage = %s", out.Stage)
	}
	if _, statErr := os.Stat(target + previousSuffix); !os.IsNotExist(statErr) {
		t.Fatalf("leftover previous root still present")
	}
	wantDB, _ := os.ReadFile(filepath.Join(source, config.DBFileName))
	gotDB, _ := os.ReadFile(filepath.Join(target, config.DBFileName))
	if string(wantDB) != string(gotDB) {
		t.Fatalf("restore after leftover resolution did not install backup data")
	}
}

func TestDryRunVerifiesWithoutTouchingLive(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	res := backupOf(t, source, snapshot.Options{IncludeAttachments: true})

	target := filepath.Join(t.TempDir(), "Session")
	out, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: res.Path,
		LiveRoot:   target,
		DryRun:     true,
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if out.Stage != StageVerifying {
		t.Fatalf("dry run final stage = %s", out.Stage)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Fatalf("dry run touched the live path")
	}
}

func TestIncrementalRestoreAppliesDelta(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	full := backupOf(t, source, snapshot.Options{IncludeAttachments: true})

	// Restore the base onto a fresh target.
	target := filepath.Join(t.TempDir(), "Session")
	if _, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: full.Path,
		LiveRoot:   target,
	}); err != nil {
		t.Fatalf("restore base: %v", err)
	}

	// New activity on the source after the full backup.
	db, err := sql.Open("sqlite", filepath.Join(source, config.DBFileName))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	newer := full.Manifest.CreatedAt + 5000
	if _, err := db.Exec(`INSERT INTO messages (id, received_at, json) VALUES (?, ?, ?)`,
		"m2", newer, `{"id":"m2","body":"newer"}`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	incr, err := snapshot.Create(context.Background(), testLogger(), snapshot.Request{
		SourceDB:       filepath.Join(source, config.DBFileName),
		AttachmentsDir: filepath.Join(source, config.AttachmentsDir),
		OutputDir:      t.TempDir(),
		Base:           &full.Manifest,
		BaseLabel:      full.Label,
		Options:        snapshot.Options{IncludeAttachments: true},
	})
	if err != nil {
		t.Fatalf("incremental snapshot: %v", err)
	}

	out, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: incr.Path,
		LiveRoot:   target,
	})
	if err != nil {
		t.Fatalf("restore incremental: %v", err)
	}
	if out.Stage != StageCommitted {
		t.Fatalf("final stage = %s", out.Stage)
	}

	restored, err := sql.Open("sqlite", filepath.Join(target, config.DBFileName))
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var count int
	if err := restored.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows after delta apply, got %d", count)
	}
}

func TestIncrementalRefusedWithoutBase(t *testing.T) {
	source := newLiveStore(t, map[string]int64{"m1": 1000})
	full := backupOf(t, source, snapshot.Options{})

	incr, err := snapshot.Create(context.Background(), testLogger(), snapshot.Request{
		SourceDB:  filepath.Join(source, config.DBFileName),
		OutputDir: t.TempDir(),
		Base:      &full.Manifest,
		BaseLabel: full.Label,
	})
	if err != nil {
		t.Fatalf("incremental snapshot: %v", err)
	}

	// Target was never restored from the base.
	target := newLiveStore(t, map[string]int64{"x": 1})
	if _, err := New(testLogger()).Run(context.Background(), Request{
		BackupPath: incr.Path,
		LiveRoot:   target,
	}); !errors.Is(err, errs.Integrity) {
		t.Fatalf("expected integrity error for missing base, got %v", err)
	}
}
