package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dshills/kbretrieval/internal/vecmath"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vector_index (
    name TEXT PRIMARY KEY,
    prefix TEXT NOT NULL,
    dim INTEGER NOT NULL,
    metric TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vector_record (
    index_name TEXT NOT NULL,
    record_key TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL,
    text TEXT NOT NULL,
    vector BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (index_name, record_key),
    FOREIGN KEY (index_name) REFERENCES vector_index(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_vector_record_doc ON vector_record(index_name, doc_id);
`

const sqliteUserIndex = `CREATE INDEX IF NOT EXISTS idx_vector_record_user ON vector_record(index_name, user_id, path)`

// Columns added after the first release of vector_record
var sqliteOwnerColumns = []string{"user_id", "path"}

// SQLiteBackend stores vectors as little-endian float32 blobs and scores
// them in Go. It shares the relational store's database handle.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend creates the bookkeeping tables on db
func NewSQLiteBackend(ctx context.Context, db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create vector tables: %w", err)
	}
	if err := addOwnerColumns(ctx, db); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteUserIndex); err != nil {
		return nil, fmt.Errorf("failed to create vector owner index: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// addOwnerColumns upgrades a vector_record table created without owner
// columns. Old rows keep empty owners and only match unscoped queries.
func addOwnerColumns(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('vector_record')`)
	if err != nil {
		return fmt.Errorf("failed to inspect vector_record: %w", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		have[name] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range sqliteOwnerColumns {
		if have[col] {
			continue
		}
		if _, err := db.ExecContext(ctx, `ALTER TABLE vector_record ADD COLUMN `+col+` TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add vector_record.%s: %w", col, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) IndexExists(ctx context.Context, spec IndexSpec) (bool, error) {
	var dim int
	err := b.db.QueryRowContext(ctx, `SELECT dim FROM vector_index WHERE name = ?`, spec.Name).Scan(&dim)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if dim != spec.Dim {
		return false, fmt.Errorf("index %s has dimension %d, want %d", spec.Name, dim, spec.Dim)
	}
	return true, nil
}

func (b *SQLiteBackend) CreateIndex(ctx context.Context, spec IndexSpec) error {
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO vector_index (name, prefix, dim, metric, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		spec.Name, spec.Prefix, spec.Dim, string(spec.Metric), time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrIndexExists
	}
	return nil
}

func (b *SQLiteBackend) UpsertRecord(ctx context.Context, spec IndexSpec, key string, rec Record) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO vector_record (index_name, record_key, doc_id, user_id, path, position, text, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(index_name, record_key) DO UPDATE SET
			doc_id = excluded.doc_id,
			user_id = excluded.user_id,
			path = excluded.path,
			position = excluded.position,
			text = excluded.text,
			vector = excluded.vector,
			updated_at = excluded.updated_at`,
		spec.Name, key, rec.DocID, rec.UserID, rec.Path, rec.Position, rec.Text, vecmath.Encode(rec.Vector), time.Now().UTC())
	return err
}

// KNN scans the records matching filter and keeps the k closest
func (b *SQLiteBackend) KNN(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
	query, args := sqliteKNNQuery(spec, filter)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var h Hit
		var blob []byte
		if err := rows.Scan(&h.Key, &h.DocID, &h.Position, &h.Text, &blob); err != nil {
			return nil, err
		}
		v, ok := vecmath.DecodeDim(blob, spec.Dim)
		if !ok {
			continue // Dimension mismatch, skip
		}
		h.Distance = distance(spec.Metric, vector, v)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankHits(hits, spec.Metric, k), nil
}

func sqliteKNNQuery(spec IndexSpec, filter Filter) (string, []any) {
	query := `SELECT record_key, doc_id, position, text, vector FROM vector_record WHERE index_name = ?`
	args := []any{spec.Name}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.DocID != "" {
		query += ` AND doc_id = ?`
		args = append(args, filter.DocID)
	}
	if prefix := filter.Prefix(); prefix != "" {
		query += ` AND (path = ? OR path LIKE ? ESCAPE '\')`
		args = append(args, prefix, likePrefix(prefix))
	}
	return query, args
}

func (b *SQLiteBackend) DeleteDocument(ctx context.Context, spec IndexSpec, docID string) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM vector_record WHERE index_name = ? AND doc_id = ?`, spec.Name, docID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Close is a no-op; the database handle belongs to the relational store
func (b *SQLiteBackend) Close() error {
	return nil
}

// distance follows the RediSearch conventions: 1-cos, 1-dot, euclidean
func distance(metric Metric, a, b []float32) float64 {
	switch metric {
	case MetricIP:
		return 1 - vecmath.Dot(a, b)
	case MetricL2:
		return vecmath.L2(a, b)
	default:
		return 1 - vecmath.Cosine(a, b)
	}
}
