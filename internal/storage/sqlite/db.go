// Package sqlite provides SQLite-backed stores for job records and the corpus.
// Every store shares one *sql.DB limited to a single connection, so all writes
// are serialized through it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	params        TEXT,
	cursor        TEXT NOT NULL DEFAULT '{}',
	items_total   INTEGER,
	items_done    INTEGER NOT NULL DEFAULT 0,
	items_failed  INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	tokens_input  INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	last_error    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_type
	ON jobs(job_type) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS jobs_type_created ON jobs(job_type, created_at);

CREATE TABLE IF NOT EXISTS items (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	source_system    TEXT NOT NULL,
	source_native_id TEXT NOT NULL,
	url              TEXT,
	canonical_url    TEXT,
	title            TEXT,
	author           TEXT,
	summary          TEXT,
	category         TEXT,
	image_url        TEXT,
	word_count       INTEGER,
	published_at     TEXT,
	saved_at         TEXT,
	fulltext         TEXT,
	fulltext_html    TEXT,
	fulltext_source  TEXT,
	notes            TEXT,
	tags             TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE(source_system, source_native_id)
);
CREATE INDEX IF NOT EXISTS items_source_url ON items(source_system, canonical_url);

CREATE TABLE IF NOT EXISTS highlights (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id        INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	provider_id    TEXT,
	text           TEXT NOT NULL,
	text_hash      TEXT NOT NULL,
	note           TEXT,
	highlighted_at TEXT,
	UNIQUE(item_id, text_hash)
);

CREATE TABLE IF NOT EXISTS chunks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id    INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	text       TEXT NOT NULL,
	tokens     INTEGER NOT NULL,
	embedding  BLOB,
	model      TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS chunks_item ON chunks(item_id);

CREATE TABLE IF NOT EXISTS digests (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL,
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL,
	topics       TEXT NOT NULL,
	artifact_uri TEXT,
	window_start TEXT NOT NULL,
	window_end   TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
`

// Open creates the database file if needed, applies the schema and returns a
// handle limited to one connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("apply schema: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}
