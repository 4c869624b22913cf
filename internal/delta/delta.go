// Package delta selects message rows changed since a prior backup and
// handles the incremental delta artifact (messages.json) built from
// them.
package delta

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/sessionctl/sessionctl/internal/errs"
)

// ArtifactName is the delta artifact inside an incremental backup.
const ArtifactName = "messages.json"

// Row is one changed message row. Raw holds the message's original
// JSON payload untouched.
type Row struct {
	ID         string          `json:"id"`
	ReceivedAt int64           `json:"received_at"`
	Raw        json.RawMessage `json:"json"`
}

// Selector reads changed rows from the live database. It is a pure
// reader; re-querying the same since value is idempotent while the
// snapshot's shared lock is held.
type Selector struct {
	db *sql.DB
}

// Open connects to the database file read-only.
func Open(dbPath string) (*Selector, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, errs.New(errs.KindIO, "", err)
	}
	return &Selector{db: db}, nil
}

// OpenDB wraps an existing connection owned by the caller.
func OpenDB(db *sql.DB) *Selector {
	return &Selector{db: db}
}

func (s *Selector) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Changed returns rows whose received_at is strictly greater than
// since, ordered by received_at ascending. Rows exactly at since are
// excluded so successive incrementals never duplicate them.
func (s *Selector) Changed(ctx context.Context, since int64) (*Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, json FROM messages WHERE received_at > ? ORDER BY received_at ASC`,
		since)
	if err != nil {
		return nil, errs.New(errs.KindIO, "", err)
	}
	return &Cursor{rows: rows}, nil
}

// Cursor walks changed rows lazily.
type Cursor struct {
	rows *sql.Rows
	cur  Row
	err  error
}

func (c *Cursor) Next() bool {
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	var raw string
	if err := c.rows.Scan(&c.cur.ID, &c.cur.ReceivedAt, &raw); err != nil {
		c.err = err
		return false
	}
	c.cur.Raw = json.RawMessage(raw)
	return true
}

func (c *Cursor) Row() Row { return c.cur }

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Close() error { return c.rows.Close() }

// attachmentRefs pulls attachment path references out of a message
// payload. Messages without attachments decode to an empty list.
func attachmentRefs(raw json.RawMessage) []string {
	var msg struct {
		Attachments []struct {
			Path string `json:"path"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	var paths []string
	for _, a := range msg.Attachments {
		if a.Path != "" {
			paths = append(paths, a.Path)
		}
	}
	return paths
}

// Collect drains a cursor into an artifact payload plus the sorted,
// de-duplicated set of attachment paths the rows reference.
func Collect(c *Cursor) ([]Row, []string, error) {
	var out []Row
	refs := map[string]struct{}{}
	for c.Next() {
		row := c.Row()
		out = append(out, row)
		for _, p := range attachmentRefs(row.Raw) {
			refs[p] = struct{}{}
		}
	}
	if err := c.Err(); err != nil {
		return nil, nil, errs.New(errs.KindIO, "", err)
	}
	paths := make([]string, 0, len(refs))
	for p := range refs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return out, paths, nil
}

// WriteArtifact serializes changed rows to path.
func WriteArtifact(path string, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	payload, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	payload = append(payload, '\n')
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	return nil
}

// ReadArtifact loads a delta artifact.
func ReadArtifact(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindIO, "", err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.Newf(errs.KindIntegrity, "", "malformed delta artifact: %v", err)
	}
	return rows, nil
}

// Apply upserts delta rows into the database at dbPath inside one
// transaction. Used when restoring an incremental on top of its base.
func Apply(ctx context.Context, dbPath string, rows []Row) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO messages (id, received_at, json) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errs.New(errs.KindIO, "", err)
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ID, row.ReceivedAt, string(row.Raw)); err != nil {
			tx.Rollback()
			return errs.New(errs.KindIO, "", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	return nil
}
