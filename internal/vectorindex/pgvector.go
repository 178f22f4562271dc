package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// PGConn is the subset of *pgxpool.Pool the pgvector backend uses
type PGConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgDuplicateTable = "42P07"

// PGVectorBackend keeps each index in its own table with a vector(D)
// column and an HNSW index
type PGVectorBackend struct {
	db PGConn
}

var _ Backend = (*PGVectorBackend)(nil)

// NewPGVectorBackend wraps a pool; the caller owns its lifecycle
func NewPGVectorBackend(db PGConn) *PGVectorBackend {
	return &PGVectorBackend{db: db}
}

func (b *PGVectorBackend) IndexExists(ctx context.Context, spec IndexSpec) (bool, error) {
	var exists bool
	err := b.db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, pgx.Identifier{spec.Name}.Sanitize()).Scan(&exists)
	return exists, err
}

func (b *PGVectorBackend) CreateIndex(ctx context.Context, spec IndexSpec) error {
	_, err := b.db.Exec(ctx, pgCreateSQL(spec))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateTable {
		return ErrIndexExists
	}
	return err
}

// pgCreateSQL builds the DDL for an index. spec.Name has been validated as
// an identifier.
func pgCreateSQL(spec IndexSpec) string {
	table := pgx.Identifier{spec.Name}.Sanitize()
	hnsw := pgx.Identifier{spec.Name + "_embedding_idx"}.Sanitize()
	byDoc := pgx.Identifier{spec.Name + "_doc_idx"}.Sanitize()
	byUser := pgx.Identifier{spec.Name + "_user_idx"}.Sanitize()
	return `CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE ` + table + ` (
    record_key text PRIMARY KEY,
    doc_id text NOT NULL,
    user_id text NOT NULL DEFAULT '',
    path text NOT NULL DEFAULT '',
    position integer NOT NULL,
    text text NOT NULL,
    embedding vector(` + strconv.Itoa(spec.Dim) + `) NOT NULL,
    updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX ` + hnsw + ` ON ` + table + ` USING hnsw (embedding ` + pgOpClass(spec.Metric) + `);
CREATE INDEX ` + byDoc + ` ON ` + table + ` (doc_id);
CREATE INDEX ` + byUser + ` ON ` + table + ` (user_id, path text_pattern_ops);`
}

func pgOpClass(m Metric) string {
	switch m {
	case MetricL2:
		return "vector_l2_ops"
	case MetricIP:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

// pgDistanceExpr returns a distance expression matching the RediSearch
// conventions. <#> is the negated inner product, so 1 + it is 1 - dot.
func pgDistanceExpr(m Metric, param string) string {
	switch m {
	case MetricL2:
		return "embedding <-> " + param
	case MetricIP:
		return "1 + (embedding <#> " + param + ")"
	default:
		return "embedding <=> " + param
	}
}

func (b *PGVectorBackend) UpsertRecord(ctx context.Context, spec IndexSpec, key string, rec Record) error {
	table := pgx.Identifier{spec.Name}.Sanitize()
	_, err := b.db.Exec(ctx, `
		INSERT INTO `+table+` (record_key, doc_id, user_id, path, position, text, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (record_key) DO UPDATE SET
			doc_id = EXCLUDED.doc_id,
			user_id = EXCLUDED.user_id,
			path = EXCLUDED.path,
			position = EXCLUDED.position,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			updated_at = now()`,
		key, rec.DocID, rec.UserID, rec.Path, rec.Position, rec.Text, pgvector.NewVector(rec.Vector))
	return err
}

// pgKNNSQL builds the KNN query with filter conditions in the WHERE
// clause. Arguments $1 and $2 are the query vector and k; filter values
// follow in the returned order.
func pgKNNSQL(spec IndexSpec, filter Filter) (string, []any) {
	table := pgx.Identifier{spec.Name}.Sanitize()
	dist := pgDistanceExpr(spec.Metric, "$1")

	var where []string
	var args []any
	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args)+2)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+param(filter.UserID))
	}
	if filter.DocID != "" {
		where = append(where, "doc_id = "+param(filter.DocID))
	}
	if prefix := filter.Prefix(); prefix != "" {
		eq := param(prefix)
		like := param(likePrefix(prefix))
		where = append(where, "(path = "+eq+" OR path LIKE "+like+")")
	}

	query := `SELECT record_key, doc_id, position, text, ` + dist + ` AS distance FROM ` + table
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return query + ` ORDER BY ` + dist + `, record_key LIMIT $2`, args
}

func (b *PGVectorBackend) KNN(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
	query, extra := pgKNNSQL(spec, filter)
	args := append([]any{pgvector.NewVector(vector), k}, extra...)
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Key, &h.DocID, &h.Position, &h.Text, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (b *PGVectorBackend) DeleteDocument(ctx context.Context, spec IndexSpec, docID string) (int, error) {
	table := pgx.Identifier{spec.Name}.Sanitize()
	tag, err := b.db.Exec(ctx, `DELETE FROM `+table+` WHERE doc_id = $1`, docID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; the pool belongs to the caller
func (b *PGVectorBackend) Close() error {
	return nil
}
