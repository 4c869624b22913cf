// Package app wires the backup, restore, verify, and list operations
// together: profile path resolution, retries, retention, and webhook
// notifications around the core packages.
package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sessionctl/sessionctl/internal/checksum"
	"github.com/sessionctl/sessionctl/internal/config"
	"github.com/sessionctl/sessionctl/internal/errs"
	"github.com/sessionctl/sessionctl/internal/manifest"
	"github.com/sessionctl/sessionctl/internal/notify"
	"github.com/sessionctl/sessionctl/internal/restore"
	"github.com/sessionctl/sessionctl/internal/snapshot"
	"github.com/sessionctl/sessionctl/internal/storage"
	"github.com/sessionctl/sessionctl/internal/util"
)

type App struct {
	Cfg      *config.Config
	Store    *storage.Root
	Log      zerolog.Logger
	Notifier notify.Notifier
}

func New(cfg *config.Config, log zerolog.Logger) *App {
	return &App{
		Cfg:      cfg,
		Store:    storage.NewRoot(cfg.Backup.OutputDir),
		Log:      log,
		Notifier: notify.FromConfig(cfg.Notifications),
	}
}

// BackupRequest selects what the snapshot covers beyond the
// configured defaults.
type BackupRequest struct {
	Incremental bool
	Label       string // empty generates a timestamped label
	BaseLabel   string // empty resolves to the latest full backup
	Password    string
}

// Backup creates a snapshot of the profile's data store. Transient
// failures are retried per the configured policy; a finished backup
// triggers retention pruning and a notification.
func (a *App) Backup(ctx context.Context, req BackupRequest) (*snapshot.Result, error) {
	start := time.Now()
	var res *snapshot.Result
	var opErr error
	defer func() {
		a.sendEvent("backup", labelOf(res), opErr, start)
	}()

	dbPath, err := a.Cfg.Profile.DBPath()
	if err != nil {
		opErr = err
		return nil, err
	}
	attachmentsPath, err := a.Cfg.Profile.AttachmentsPath()
	if err != nil {
		opErr = err
		return nil, err
	}

	if a.Cfg.Backup.Encrypt && req.Password == "" {
		opErr = errs.Newf(errs.KindCrypto, "backup", "encryption is enabled and no password was supplied")
		return nil, opErr
	}
	password := req.Password
	if !a.Cfg.Backup.Encrypt {
		password = ""
	}

	snapReq := snapshot.Request{
		SourceDB:       dbPath,
		AttachmentsDir: attachmentsPath,
		OutputDir:      a.Cfg.Backup.OutputDir,
		Profile:        a.Cfg.Profile.Name,
		Label:          req.Label,
		Options: snapshot.Options{
			IncludeAttachments: a.Cfg.Backup.IncludeAttachments,
			Compression:        a.Cfg.Backup.Compression,
			Password:           password,
		},
	}
	if req.Incremental {
		base, err := a.resolveBase(ctx, req.BaseLabel)
		if err != nil {
			opErr = err
			return nil, err
		}
		snapReq.Base = &base.Manifest
		snapReq.BaseLabel = base.Label
	}

	opErr = util.Retry(ctx, a.Cfg.Backup.RetryCount, a.Cfg.Backup.RetryBackoff, func() error {
		r, err := snapshot.Create(ctx, a.Log, snapReq)
		if err != nil {
			a.Log.Warn().Err(err).Msg("backup attempt failed")
			return err
		}
		res = r
		return nil
	})
	if opErr != nil {
		return nil, opErr
	}

	removed, err := a.Store.Prune(ctx, a.Cfg.Backup.Retention.KeepLast)
	if err != nil {
		a.Log.Warn().Err(err).Msg("retention pruning failed")
	}
	for _, info := range removed {
		a.Log.Info().Str("label", info.Label).Msg("pruned expired backup")
	}
	return res, nil
}

// resolveBase picks the incremental's base: an explicit label, or the
// latest full backup under the root.
func (a *App) resolveBase(ctx context.Context, baseLabel string) (storage.Info, error) {
	if baseLabel != "" {
		return a.Store.Find(ctx, baseLabel)
	}
	return a.Store.LatestFull(ctx)
}

// Restore applies the named backup (a label under the configured root,
// or a path to a backup directory) onto the profile's data store.
func (a *App) Restore(ctx context.Context, label, password string, dryRun bool) (restore.Outcome, error) {
	start := time.Now()
	var opErr error
	defer func() {
		a.sendEvent("restore", label, opErr, start)
	}()

	info, err := a.Store.Find(ctx, label)
	if err != nil {
		opErr = err
		return restore.Outcome{}, err
	}
	liveRoot, err := a.Cfg.Profile.DataPath()
	if err != nil {
		opErr = err
		return restore.Outcome{}, err
	}

	out, err := restore.New(a.Log).Run(ctx, restore.Request{
		BackupPath: info.Path,
		LiveRoot:   liveRoot,
		Password:   password,
		DryRun:     dryRun || a.Cfg.Restore.DryRun,
	})
	opErr = err
	return out, err
}

// Verify recomputes every stored digest of the named backup without
// touching the live data store.
func (a *App) Verify(ctx context.Context, label string) (manifest.Manifest, error) {
	info, err := a.Store.Find(ctx, label)
	if err != nil {
		return manifest.Manifest{}, err
	}
	expected := make([]checksum.Expected, 0, len(info.Manifest.FileEntries))
	for _, e := range info.Manifest.FileEntries {
		expected = append(expected, checksum.Expected{RelativePath: e.RelativePath, SHA256: e.SHA256})
	}
	mismatches, err := checksum.VerifyAll(expected, info.Path)
	if err != nil {
		return info.Manifest, errs.New(errs.KindIO, "verify", err)
	}
	if len(mismatches) > 0 {
		for _, mm := range mismatches {
			a.Log.Error().Str("file", mm.Entry.RelativePath).Str("reason", mm.Reason).Msg("checksum mismatch")
		}
		return info.Manifest, errs.Newf(errs.KindIntegrity, "verify",
			"%d of %d files failed verification", len(mismatches), len(info.Manifest.FileEntries))
	}
	return info.Manifest, nil
}

// List returns every backup under the configured root, oldest first.
func (a *App) List(ctx context.Context) ([]storage.Info, error) {
	return a.Store.List(ctx)
}

func (a *App) sendEvent(operation, label string, opErr error, start time.Time) {
	if a.Notifier == nil {
		return
	}
	event := notify.Event{
		Operation: operation,
		Status:    statusFromErr(opErr),
		Label:     label,
		Profile:   a.Cfg.Profile.Name,
		StartedAt: start,
		EndedAt:   time.Now(),
		Duration:  time.Since(start).String(),
	}
	if opErr != nil {
		event.Stage = errs.StageOf(opErr)
		event.Error = opErr.Error()
	}
	if err := a.Notifier.Notify(context.Background(), event); err != nil {
		a.Log.Warn().Err(err).Msg("notification delivery failed")
	}
}

func labelOf(res *snapshot.Result) string {
	if res == nil {
		return ""
	}
	return res.Label
}

func statusFromErr(err error) string {
	if err == nil {
		return "success"
	}
	return "failed"
}
