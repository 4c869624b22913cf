// Package storage is the inventory over a local backup root. Each
// backup occupies one subdirectory named by its label; the manifest
// inside is the record of what the backup holds.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sessionctl/sessionctl/internal/errs"
	"github.com/sessionctl/sessionctl/internal/manifest"
)

// Info summarizes one backup directory under the root.
type Info struct {
	Label     string
	Path      string
	SizeBytes int64
	Manifest  manifest.Manifest
}

// Root reads and prunes a backup output directory.
type Root struct {
	BasePath string
}

func NewRoot(path string) *Root {
	return &Root{BasePath: path}
}

// List returns every readable backup under the root, oldest first.
// Directories without a manifest are skipped, not errors; the root may
// hold unrelated files.
func (r *Root) List(ctx context.Context) ([]Info, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(r.BasePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindIO, "list", err)
	}

	infos := []Info{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.BasePath, entry.Name())
		m, err := manifest.Read(path)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Label:     m.Label,
			Path:      path,
			SizeBytes: backupSize(m),
			Manifest:  m,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Manifest.CreatedAt != infos[j].Manifest.CreatedAt {
			return infos[i].Manifest.CreatedAt < infos[j].Manifest.CreatedAt
		}
		return infos[i].Label < infos[j].Label
	})
	return infos, nil
}

// Find resolves a label to its backup. The path form (an absolute or
// relative directory) is accepted too, so restore can point at a
// backup outside the configured root.
func (r *Root) Find(ctx context.Context, label string) (Info, error) {
	if strings.ContainsRune(label, os.PathSeparator) || strings.ContainsRune(label, '/') {
		m, err := manifest.Read(label)
		if err != nil {
			return Info{}, err
		}
		return Info{Label: m.Label, Path: label, SizeBytes: backupSize(m), Manifest: m}, nil
	}
	infos, err := r.List(ctx)
	if err != nil {
		return Info{}, err
	}
	for _, info := range infos {
		if info.Label == label {
			return info, nil
		}
	}
	return Info{}, errs.Newf(errs.KindIO, "find", "no backup labeled %q under %s", label, r.BasePath)
}

// Latest returns the most recent backup, full or incremental.
func (r *Root) Latest(ctx context.Context) (Info, error) {
	infos, err := r.List(ctx)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, errs.Newf(errs.KindIO, "find", "no backups under %s", r.BasePath)
	}
	return infos[len(infos)-1], nil
}

// LatestFull returns the most recent full backup, the default base for
// a new incremental.
func (r *Root) LatestFull(ctx context.Context) (Info, error) {
	infos, err := r.List(ctx)
	if err != nil {
		return Info{}, err
	}
	for i := len(infos) - 1; i >= 0; i-- {
		if !infos[i].Manifest.Incremental {
			return infos[i], nil
		}
	}
	return Info{}, errs.Newf(errs.KindIO, "find", "no full backup under %s to base an incremental on", r.BasePath)
}

// Prune keeps the newest keepLast full backups and every incremental
// chained onto a kept full, and deletes the rest. Removed backups are
// returned. keepLast <= 0 disables pruning.
func (r *Root) Prune(ctx context.Context, keepLast int) ([]Info, error) {
	if keepLast <= 0 {
		return nil, nil
	}
	infos, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	kept := map[string]bool{}
	fulls := 0
	for i := len(infos) - 1; i >= 0; i-- {
		if infos[i].Manifest.Incremental {
			continue
		}
		if fulls < keepLast {
			kept[infos[i].Label] = true
			fulls++
		}
	}
	// An incremental survives only while its chain back to a full is
	// intact. Walk oldest to newest so chains extend in order.
	for _, info := range infos {
		if info.Manifest.Incremental && kept[info.Manifest.BaseLabel] {
			kept[info.Label] = true
		}
	}

	removed := []Info{}
	for _, info := range infos {
		if kept[info.Label] {
			continue
		}
		if err := os.RemoveAll(info.Path); err != nil {
			return removed, errs.New(errs.KindIO, "prune", err)
		}
		removed = append(removed, info)
	}
	return removed, nil
}

func backupSize(m manifest.Manifest) int64 {
	var total int64
	for _, e := range m.FileEntries {
		total += e.SizeBytes
	}
	return total
}

// Describe renders one line per backup for the list command.
func Describe(info Info) string {
	kind := "full"
	if info.Manifest.Incremental {
		kind = fmt.Sprintf("incremental(base=%s)", info.Manifest.BaseLabel)
	}
	flags := []string{}
	if info.Manifest.Encrypted {
		flags = append(flags, "encrypted")
	}
	if info.Manifest.Compression != "" && info.Manifest.Compression != "none" {
		flags = append(flags, info.Manifest.Compression)
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ",") + "]"
	}
	return fmt.Sprintf("%s\t%s\t%d bytes\t%s%s",
		info.Label, kind, info.SizeBytes,
		info.Manifest.CreatedTime().UTC().Format("2006-01-02T15:04:05Z"), suffix)
}
