package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CurrentSchemaVersion is the version of the newest migration
const CurrentSchemaVersion = "1.1.0"

// Migration is one schema step with its inverse
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations lists the schema steps in ascending version order
var AllMigrations = []Migration{
	{Version: "1.0.0", Up: migrationV1Up, Down: migrationV1Down},
	{Version: "1.1.0", Up: migrationV11Up, Down: migrationV11Down},
}

const migrationV1Up = `
-- Documents: folders and items in one tree per user
CREATE TABLE IF NOT EXISTS document (
    document_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('folder', 'item')),
    mime_type TEXT,
    file_size INTEGER NOT NULL DEFAULT 0,
    storage_key TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_document_user_path
    ON document(user_id, path) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_document_user ON document(user_id);
CREATE INDEX IF NOT EXISTS idx_document_path ON document(path);

-- Content versions of a document
CREATE TABLE IF NOT EXISTS document_content (
    document_content_id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    markdown TEXT NOT NULL DEFAULT '',
    payload TEXT,
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP,
    FOREIGN KEY (document_id) REFERENCES document(document_id) ON DELETE CASCADE,
    UNIQUE(document_id, version)
);

CREATE INDEX IF NOT EXISTS idx_content_document ON document_content(document_id);

-- Chunks of a content version
CREATE TABLE IF NOT EXISTS document_chunk (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_chunk_id TEXT NOT NULL UNIQUE,
    document_content_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    chunk_content TEXT NOT NULL,
    chunk_embedding BLOB,
    created_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP,
    FOREIGN KEY (document_content_id) REFERENCES document_content(document_content_id) ON DELETE CASCADE,
    UNIQUE(document_content_id, position)
);

CREATE INDEX IF NOT EXISTS idx_chunk_content ON document_chunk(document_content_id);

-- Full-text search on chunks
CREATE VIRTUAL TABLE IF NOT EXISTS document_chunk_fts USING fts5(
    chunk_content,
    content='document_chunk',
    content_rowid='id',
    tokenize='unicode61 remove_diacritics 2'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS document_chunk_ai AFTER INSERT ON document_chunk BEGIN
    INSERT INTO document_chunk_fts(rowid, chunk_content) VALUES (new.id, new.chunk_content);
END;

CREATE TRIGGER IF NOT EXISTS document_chunk_ad AFTER DELETE ON document_chunk BEGIN
    INSERT INTO document_chunk_fts(document_chunk_fts, rowid, chunk_content)
    VALUES ('delete', old.id, old.chunk_content);
END;
`

const migrationV1Down = `
DROP TRIGGER IF EXISTS document_chunk_ad;
DROP TRIGGER IF EXISTS document_chunk_ai;

DROP TABLE IF EXISTS document_chunk_fts;
DROP TABLE IF EXISTS document_chunk;
DROP TABLE IF EXISTS document_content;
DROP TABLE IF EXISTS document;
`

// Listing and status queries filter on kind and embedding presence
const migrationV11Up = `
CREATE INDEX IF NOT EXISTS idx_document_user_kind ON document(user_id, kind) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_chunk_embedded ON document_chunk(document_content_id) WHERE chunk_embedding IS NOT NULL;
`

const migrationV11Down = `
DROP INDEX IF EXISTS idx_chunk_embedded;
DROP INDEX IF EXISTS idx_document_user_kind;
`

const createSchemaVersion = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// schemaVersion returns the highest applied version, 0.0.0 on a fresh database
func schemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	if _, err := db.ExecContext(ctx, createSchemaVersion); err != nil {
		return nil, fmt.Errorf("create schema_version: %w", err)
	}
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan schema_version: %w", err)
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %q: %w", raw, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// step runs one migration script and its bookkeeping statement atomically
func step(ctx context.Context, db *sql.DB, script, record, version string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyMigrations brings the schema up to CurrentSchemaVersion. Each
// migration commits with its schema_version row or not at all.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range AllMigrations {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		if !current.LessThan(v) {
			continue
		}
		if err := step(ctx, db, m.Up, "INSERT INTO schema_version (version) VALUES (?)", m.Version); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		current = v
	}
	return nil
}

// RollbackMigration reverts the newest applied migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return errors.New("no migrations to roll back")
	}

	for i := len(AllMigrations) - 1; i >= 0; i-- {
		m := AllMigrations[i]
		v, err := semver.NewVersion(m.Version)
		if err != nil || !v.Equal(current) {
			continue
		}
		if err := step(ctx, db, m.Down, "DELETE FROM schema_version WHERE version = ?", m.Version); err != nil {
			return fmt.Errorf("roll back migration %s: %w", m.Version, err)
		}
		return nil
	}
	return fmt.Errorf("migration %s not found", current)
}
