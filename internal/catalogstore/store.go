// Package catalogstore is the durable local state store (C1): downloads,
// queue, per-user ownership, and channel exclusions. It is the single
// source of truth for queue ordering.
//
// Concurrency: the underlying *sql.DB is capped at one open connection
// (SetMaxOpenConns(1)), which gives the single-writer discipline spec.md §5
// asks for — every statement, read or write, serializes through the same
// connection, so readers always observe committed state and the
// pending→downloading transition is a true linearization point. This
// mirrors the teacher's pattern of opening a foreign sqlite file and issuing
// targeted statements (internal/plex/dvr.go), generalized from a one-shot
// open to a long-lived single-connection handle.
package catalogstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapetech/cacheproxy/internal/apperr"
)

// Store is the catalog store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and runs
// Init. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCatalog, apperr.CodeConnection, "open catalog db", err)
	}
	// Single-writer discipline: see package doc.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive, for the health handler.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// init creates/upgrades the schema. Idempotent; migrations are applied
// best-effort — an "already applied" failure on an additive statement is
// swallowed, per spec.md §9 (schema migration is best-effort and does not
// depend on detecting "already applied").
func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS downloads (
			video_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			quality TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			thumbnail_path TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			file_size_bytes INTEGER NOT NULL DEFAULT 0,
			downloaded_at TEXT NOT NULL,
			source TEXT NOT NULL,
			files_deleted_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			video_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			queued_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT,
			throttle_retry_count INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status)`,
		`CREATE TABLE IF NOT EXISTS video_user_status (
			video_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			is_owner INTEGER NOT NULL DEFAULT 0,
			keep_forever INTEGER NOT NULL DEFAULT 0,
			deleted_at TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (video_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS channel_exclusions (
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (channel_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// Best-effort: additive/idempotent DDL that fails (e.g. already
			// applied by a concurrent process) is swallowed, not fatal.
			continue
		}
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalMetadata(m StreamMetadata) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMetadata(s string) StreamMetadata {
	var m StreamMetadata
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func wrapQueryErr(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Wrap(apperr.KindCatalog, apperr.CodeQuery, "catalog query failed", err)
}

func errNotFound(what, id string) error {
	return apperr.New(apperr.KindCatalog, apperr.CodeNotFound, fmt.Sprintf("%s %q not found", what, id))
}
