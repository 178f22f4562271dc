// Package pgstore reads documents, contents and chunks from a Postgres
// deployment where paths are ltree values. Writes belong to the upstream
// document pipeline; this package only serves retrieval.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/pkg/types"
)

// Querier is the subset of *pgxpool.Pool the store uses
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options configures a Store
type Options struct {
	Timeout time.Duration // Per query; 0 disables
	Logger  *slog.Logger
}

// Store implements storage.Reader over Postgres
type Store struct {
	db      Querier
	pool    *pgxpool.Pool // Nil when built from a Querier
	timeout time.Duration
	logger  *slog.Logger
}

var _ storage.Reader = (*Store)(nil)

// Connect opens a pool for dsn and pings it
func Connect(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn", types.ErrConfigurationMissing)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %v", types.ErrBackendUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", types.ErrBackendUnavailable, err)
	}
	s := New(pool, opts)
	s.pool = pool
	return s, nil
}

// New wraps an existing querier
func New(db Querier, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, timeout: opts.Timeout, logger: logger}
}

// Pool returns the owned pool, or nil
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool if the store owns one
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// LexicalSearch ranks chunks with ts_rank over the simple configuration
func (s *Store) LexicalSearch(ctx context.Context, q storage.LexicalQuery) ([]types.RetrievalResult, error) {
	if q.Limit <= 0 {
		return []types.RetrievalResult{}, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sql, args := lexicalSQL(q)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %v", types.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	results := make([]types.RetrievalResult, 0, q.Limit)
	for rows.Next() {
		var r types.RetrievalResult
		var name *string
		var path string
		var score float64
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ContentID, &name, &path,
			&r.Position, &r.Version, &r.Text, &score); err != nil {
			return nil, err
		}
		r.DocumentPath = pathtree.FromLtree(path)
		r.DocumentName = displayName(name, r.DocumentPath)
		r.Score = types.SanitizeScore(score)
		r.ScoreKind = types.ScoreRank
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: lexical search: %v", types.ErrBackendUnavailable, err)
	}
	return results, nil
}

// HydrateChunks resolves refs against each document's latest content
func (s *Store) HydrateChunks(ctx context.Context, q storage.HydrateQuery) (map[storage.ChunkRef]types.RetrievalResult, error) {
	out := make(map[storage.ChunkRef]types.RetrievalResult, len(q.Refs))
	if len(q.Refs) == 0 {
		return out, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sql, args := hydrateSQL(q)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: hydrate chunks: %v", types.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	wanted := make(map[storage.ChunkRef]struct{}, len(q.Refs))
	for _, ref := range q.Refs {
		wanted[ref] = struct{}{}
	}
	for rows.Next() {
		var r types.RetrievalResult
		var name *string
		var path string
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ContentID, &name, &path,
			&r.Position, &r.Version, &r.Text); err != nil {
			return nil, err
		}
		r.DocumentPath = pathtree.FromLtree(path)
		r.DocumentName = displayName(name, r.DocumentPath)
		ref := storage.ChunkRef{DocumentID: r.DocumentID, Position: r.Position}
		if _, ok := wanted[ref]; ok {
			out[ref] = r
		}
	}
	return out, rows.Err()
}

// ListTreeRows returns live descendants of the prefix ordered by path
func (s *Store) ListTreeRows(ctx context.Context, q storage.TreeQuery) ([]pathtree.Row, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sql, args := treeSQL(q)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list tree: %v", types.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []pathtree.Row
	for rows.Next() {
		var r pathtree.Row
		var name, mimeType *string
		var size *int64
		var path, kind string
		if err := rows.Scan(&r.ID, &path, &name, &kind, &mimeType, &size, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Path = pathtree.FromLtree(path)
		r.Name = displayName(name, r.Path)
		r.Kind = kindFromPG(kind)
		if mimeType != nil {
			r.MimeType = *mimeType
		}
		if size != nil {
			r.Size = *size
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FolderPath resolves a folder id to its slash path
func (s *Store) FolderPath(ctx context.Context, userID, folderID string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var path string
	err := s.db.QueryRow(ctx, `
		SELECT d.path::text FROM document d
		WHERE d.user_id = $1::uuid AND d.document_id = $2::uuid
		  AND d.kind = 'folder' AND d.deleted_at IS NULL`,
		userID, folderID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: folder path: %v", types.ErrBackendUnavailable, err)
	}
	return pathtree.FromLtree(path), nil
}

// GetDocument returns a live document owned by userID
func (s *Store) GetDocument(ctx context.Context, userID, documentID string) (*types.Document, error) {
	return s.getDocument(ctx, `d.document_id = $2::uuid`, userID, documentID)
}

// GetDocumentByPath returns the live document at path
func (s *Store) GetDocumentByPath(ctx context.Context, userID, path string) (*types.Document, error) {
	return s.getDocument(ctx, `d.path = $2::ltree`, userID, pathtree.ToLtree(path))
}

func (s *Store) getDocument(ctx context.Context, match string, userID, key string) (*types.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc types.Document
	var name, mimeType, storageKey *string
	var size *int64
	var path, kind string
	err := s.db.QueryRow(ctx, `
		SELECT d.document_id::text, d.user_id::text, d.name, d.path::text, d.kind::text,
		       d.mime_type, d.file_size, d.storage_key, d.created_at, d.updated_at
		FROM document d
		WHERE d.user_id = $1::uuid AND `+match+` AND d.deleted_at IS NULL`,
		userID, key,
	).Scan(&doc.ID, &doc.UserID, &name, &path, &kind, &mimeType, &size, &storageKey, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get document: %v", types.ErrBackendUnavailable, err)
	}
	doc.Path = pathtree.FromLtree(path)
	doc.Name = displayName(name, doc.Path)
	doc.Kind = kindFromPG(kind)
	if mimeType != nil {
		doc.MimeType = *mimeType
	}
	if storageKey != nil {
		doc.StorageKey = *storageKey
	}
	if size != nil {
		doc.Size = *size
	}
	return &doc, nil
}

// DocumentText returns the latest content's markdown. When the content
// payload carries no markdown the chunks are joined in position order.
func (s *Store) DocumentText(ctx context.Context, userID, documentID string) (*storage.DocumentText, error) {
	doc, err := s.GetDocument(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out storage.DocumentText
	err = s.db.QueryRow(ctx, `
		SELECT dct.document_content_id::text, dct.version,
		       COALESCE(dct.contents->>'markdown', (
		           SELECT string_agg(dc.chunk_content, E'\n\n' ORDER BY dc.position NULLS FIRST)
		           FROM document_chunk dc
		           WHERE dc.document_content_id = dct.document_content_id AND dc.deleted_at IS NULL
		       ), '')
		FROM document_content dct
		WHERE dct.document_id = $1::uuid AND dct.deleted_at IS NULL
		ORDER BY dct.version DESC
		LIMIT 1`,
		documentID,
	).Scan(&out.ContentID, &out.Version, &out.Markdown)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: document text: %v", types.ErrBackendUnavailable, err)
	}
	out.Document = doc
	return &out, nil
}

// kindFromPG maps the document_kind enum; 'document' is an item
func kindFromPG(kind string) types.Kind {
	if kind == string(types.KindFolder) {
		return types.KindFolder
	}
	return types.KindItem
}

func displayName(name *string, path string) string {
	if name != nil && *name != "" {
		return *name
	}
	return types.BaseName(path)
}
