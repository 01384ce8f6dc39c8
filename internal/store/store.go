// Package store is the embedded relational store behind the engine: one
// method per operation over the entries, links, and sync_lock tables,
// backed by modernc.org/sqlite (pure Go, no cgo). Every method accepts
// an optional *sql.Tx so callers can nest operations in their own
// transaction.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cristinecula/knowsync/internal/record"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a *sql.DB and applies the embedded schema on open.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path, enables WAL
// mode and foreign keys, and applies the schema. The pragmas ride on the
// connection string so every pooled connection gets them, not just the
// one that ran an Exec; cascade deletes depend on foreign_keys being on
// everywhere.
func Open(path string) (*Store, error) {
	memory := path == ":memory:"
	var connStr string
	if memory {
		connStr = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("open store %s: %w", path, err)
		}
		escapedPath := strings.ReplaceAll(path, " ", "%20")
		connStr = "file:" + escapedPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if memory {
		// Each pooled connection to :memory: would be its own empty
		// database; pin the pool to one connection.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: apply schema: %w", path, err)
	}
	return &Store{db: db}, nil
}

// DefaultDBPath returns the default store location under XDG_DATA_HOME,
// or ~/.local/share as a fallback.
func DefaultDBPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "knowsync", "knowsync.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "knowsync", "knowsync.db")
}

func (s *Store) Close() error { return s.db.Close() }

// querier abstracts over *sql.DB and *sql.Tx so every method can be
// called either directly or nested inside a caller-opened transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Now returns the current instant with the monotonic clock reading
// stripped, so timestamps round-trip consistently through sqlite's TEXT
// affinity.
func Now() time.Time { return time.Now().UTC().Round(0) }

// --- Entry operations -------------------------------------------------

const entryColumns = `id, type, title, content, tags, project, scope, source, status,
	created_at, version, synced_version, content_updated_at, updated_at,
	last_accessed_at, access_count, strength, inaccuracy, deprecation_reason,
	flag_reason, declaration, parent_page_id`

func (s *Store) GetByID(ctx context.Context, tx *sql.Tx, id string) (*record.Entry, error) {
	row := s.q(tx).QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	return scanEntry(row)
}

func (s *Store) All(ctx context.Context, tx *sql.Tx) ([]*record.Entry, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT `+entryColumns+` FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("all entries: %w", err)
	}
	defer rows.Close()
	var out []*record.Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AllIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT id FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("all_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Insert inserts a brand-new local entry (version and id assigned by the
// caller already).
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, e *record.Entry) error {
	return s.upsertEntry(ctx, tx, e)
}

// ImportWithID inserts or replaces an entry with a caller-supplied id,
// used when importing a remote record during pull.
func (s *Store) ImportWithID(ctx context.Context, tx *sql.Tx, e *record.Entry) error {
	return s.upsertEntry(ctx, tx, e)
}

func (s *Store) upsertEntry(ctx context.Context, tx *sql.Tx, e *record.Entry) error {
	tags, err := json.Marshal(normalizeTags(e.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.q(tx).ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, title=excluded.title, content=excluded.content,
			tags=excluded.tags, project=excluded.project, scope=excluded.scope,
			source=excluded.source, status=excluded.status, created_at=excluded.created_at,
			version=excluded.version, synced_version=excluded.synced_version,
			content_updated_at=excluded.content_updated_at, updated_at=excluded.updated_at,
			last_accessed_at=excluded.last_accessed_at, access_count=excluded.access_count,
			strength=excluded.strength, inaccuracy=excluded.inaccuracy,
			deprecation_reason=excluded.deprecation_reason, flag_reason=excluded.flag_reason,
			declaration=excluded.declaration, parent_page_id=excluded.parent_page_id
	`,
		e.ID, string(e.Type), e.Title, e.Content, string(tags), nullableStr(e.Project),
		string(e.Scope), e.Source, string(e.Status), e.CreatedAt, e.Version,
		nullableInt(e.SyncedVersion), e.ContentUpdatedAt, e.UpdatedAt,
		nullableStrVal(e.LastAccessedAt), e.AccessCount, e.Strength, e.Inaccuracy,
		nullableStr(e.DeprecationReason), nullableStr(e.FlagReason),
		nullableStr(e.Declaration), nullableStr(e.ParentPageID),
	)
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.ID, err)
	}
	return nil
}

// UpdateContentFields writes e's field values as given, including its
// version and content_updated_at; callers bump those themselves.
func (s *Store) UpdateContentFields(ctx context.Context, tx *sql.Tx, e *record.Entry) error {
	return s.upsertEntry(ctx, tx, e)
}

// UpdateSyncedVersion records that version v of id has been exchanged
// with peers, without touching content fields.
func (s *Store) UpdateSyncedVersion(ctx context.Context, tx *sql.Tx, id string, v int) error {
	_, err := s.q(tx).ExecContext(ctx, `UPDATE entries SET synced_version = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("update_synced_version %s: %w", id, err)
	}
	return nil
}

// DeleteCascade removes an entry and every link referencing it as source
// or target (enforced by the schema's ON DELETE CASCADE).
func (s *Store) DeleteCascade(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := s.q(tx).ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete_cascade %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, tx *sql.Tx, id string, status record.EntryStatus) error {
	_, err := s.q(tx).ExecContext(ctx, `UPDATE entries SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set_status %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetInaccuracy(ctx context.Context, tx *sql.Tx, id string, inaccuracy float64) error {
	_, err := s.q(tx).ExecContext(ctx, `UPDATE entries SET inaccuracy = ? WHERE id = ?`, inaccuracy, id)
	if err != nil {
		return fmt.Errorf("set_inaccuracy %s: %w", id, err)
	}
	return nil
}

// --- Link operations ---------------------------------------------------

const linkColumns = `id, source_id, target_id, link_type, description, source, created_at, synced_at`

func (s *Store) GetAllLinks(ctx context.Context, tx *sql.Tx) ([]*record.Link, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT `+linkColumns+` FROM links`)
	if err != nil {
		return nil, fmt.Errorf("get_all links: %w", err)
	}
	defer rows.Close()
	var out []*record.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) InsertLink(ctx context.Context, tx *sql.Tx, l *record.Link) error {
	return s.upsertLink(ctx, tx, l)
}

func (s *Store) ImportLinkWithID(ctx context.Context, tx *sql.Tx, l *record.Link) error {
	return s.upsertLink(ctx, tx, l)
}

func (s *Store) upsertLink(ctx context.Context, tx *sql.Tx, l *record.Link) error {
	_, err := s.q(tx).ExecContext(ctx, `
		INSERT INTO links (`+linkColumns+`) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(source_id, target_id, link_type) DO UPDATE SET
			description=excluded.description, source=excluded.source,
			synced_at=excluded.synced_at
	`, l.ID, l.SourceID, l.TargetID, string(l.LinkType), l.Description, l.Source, l.CreatedAt, nullableStr(l.SyncedAt))
	if err != nil {
		return fmt.Errorf("upsert link %s: %w", l.ID, err)
	}
	return nil
}

func (s *Store) DeleteLink(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := s.q(tx).ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete link %s: %w", id, err)
	}
	return nil
}

func (s *Store) Outgoing(ctx context.Context, tx *sql.Tx, sourceID string) ([]*record.Link, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT `+linkColumns+` FROM links WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("outgoing %s: %w", sourceID, err)
	}
	defer rows.Close()
	var out []*record.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Incoming returns links that point at targetID, optionally restricted
// to the given link types.
func (s *Store) Incoming(ctx context.Context, tx *sql.Tx, targetID string, types []record.LinkType) ([]*record.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE target_id = ?`
	args := []any{targetID}
	if len(types) > 0 {
		query += ` AND link_type IN (`
		for i, t := range types {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, string(t))
		}
		query += ")"
	}
	rows, err := s.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("incoming %s: %w", targetID, err)
	}
	defer rows.Close()
	var out []*record.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- scanning helpers ---------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*record.Entry, error) {
	return scanEntryAny(row)
}

func scanEntryRows(rows *sql.Rows) (*record.Entry, error) {
	return scanEntryAny(rows)
}

func scanEntryAny(sc scanner) (*record.Entry, error) {
	var e record.Entry
	var tagsJSON string
	var project, lastAccessedAt, deprecationReason, flagReason, declaration, parentPageID sql.NullString
	var syncedVersion sql.NullInt64

	err := sc.Scan(
		&e.ID, &e.Type, &e.Title, &e.Content, &tagsJSON, &project, &e.Scope, &e.Source, &e.Status,
		&e.CreatedAt, &e.Version, &syncedVersion, &e.ContentUpdatedAt, &e.UpdatedAt,
		&lastAccessedAt, &e.AccessCount, &e.Strength, &e.Inaccuracy,
		&deprecationReason, &flagReason, &declaration, &parentPageID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return nil, fmt.Errorf("scan entry %s: unmarshal tags: %w", e.ID, err)
	}
	if project.Valid {
		e.Project = &project.String
	}
	if syncedVersion.Valid {
		v := int(syncedVersion.Int64)
		e.SyncedVersion = &v
	}
	if lastAccessedAt.Valid {
		e.LastAccessedAt = lastAccessedAt.String
	}
	if deprecationReason.Valid {
		e.DeprecationReason = &deprecationReason.String
	}
	if flagReason.Valid {
		e.FlagReason = &flagReason.String
	}
	if declaration.Valid {
		e.Declaration = &declaration.String
	}
	if parentPageID.Valid {
		e.ParentPageID = &parentPageID.String
	}
	return &e, nil
}

func scanLink(sc scanner) (*record.Link, error) {
	var l record.Link
	var syncedAt sql.NullString
	if err := sc.Scan(&l.ID, &l.SourceID, &l.TargetID, &l.LinkType, &l.Description, &l.Source, &l.CreatedAt, &syncedAt); err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}
	if syncedAt.Valid {
		l.SyncedAt = &syncedAt.String
	}
	return &l, nil
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullableStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableStrVal(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
