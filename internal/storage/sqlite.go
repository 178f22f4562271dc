package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/vecmath"
	"github.com/dshills/kbretrieval/pkg/types"
)

// ErrNotFound is returned when a requested entity doesn't exist
var ErrNotFound = errors.New("not found")

// SQLiteStorage implements Store using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

var _ Store = (*SQLiteStorage)(nil)

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// DB exposes the handle so the SQLite vector backend can share the file
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn inside a transaction, committing on success
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Document operations

// UpsertDocument inserts a document or updates the live one at the same
// path. doc.ID is set to the stored id.
func (s *SQLiteStorage) UpsertDocument(ctx context.Context, doc *types.Document) error {
	if err := doc.Validate(); err != nil {
		return types.InvalidInputf("%v", err)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Name == "" {
		doc.Name = types.BaseName(doc.Path)
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO document (document_id, user_id, name, path, kind, mime_type, file_size, storage_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, path) WHERE deleted_at IS NULL DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			mime_type = excluded.mime_type,
			file_size = excluded.file_size,
			storage_key = excluded.storage_key,
			updated_at = excluded.updated_at
		RETURNING document_id
	`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		doc.ID, doc.UserID, doc.Name, doc.Path, string(doc.Kind),
		nullString(doc.MimeType), doc.Size, nullString(doc.StorageKey), now, now,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	stored, err := s.GetDocument(ctx, doc.UserID, id)
	if err != nil {
		return err
	}
	*doc = *stored
	return nil
}

const documentColumns = `document_id, user_id, name, path, kind, mime_type, file_size, storage_key, created_at, updated_at, deleted_at`

func scanDocument(row interface{ Scan(...any) error }) (*types.Document, error) {
	var doc types.Document
	var kind string
	var mimeType, storageKey sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&doc.ID, &doc.UserID, &doc.Name, &doc.Path, &kind,
		&mimeType, &doc.Size, &storageKey, &doc.CreatedAt, &doc.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	doc.Kind = types.Kind(kind)
	doc.MimeType = mimeType.String
	doc.StorageKey = storageKey.String
	if deletedAt.Valid {
		t := deletedAt.Time
		doc.DeletedAt = &t
	}
	return &doc, nil
}

// GetDocument returns a live document owned by userID
func (s *SQLiteStorage) GetDocument(ctx context.Context, userID, documentID string) (*types.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM document
		WHERE user_id = ? AND document_id = ? AND deleted_at IS NULL`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, userID, documentID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// GetDocumentByPath returns the live document at path
func (s *SQLiteStorage) GetDocumentByPath(ctx context.Context, userID, path string) (*types.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM document
		WHERE user_id = ? AND path = ? AND deleted_at IS NULL`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, userID, path))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document by path: %w", err)
	}
	return doc, nil
}

// SoftDeleteDocument marks a document deleted. Deleting a folder also
// marks its descendants. Returns the number of documents marked.
func (s *SQLiteStorage) SoftDeleteDocument(ctx context.Context, userID, documentID string) (int, error) {
	doc, err := s.GetDocument(ctx, userID, documentID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var affected int64
	err = s.withTx(ctx, func(q querier) error {
		clause, args := descendantClause("path", doc.Path, true)
		query := `UPDATE document SET deleted_at = ?, updated_at = ?
			WHERE user_id = ? AND deleted_at IS NULL AND ` + clause
		result, err := q.ExecContext(ctx, query, append([]any{now, now, userID}, args...)...)
		if err != nil {
			return fmt.Errorf("failed to soft delete document: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Content operations

// CreateContent stores a new content version for a document. The version
// is assigned as one past the current maximum.
func (s *SQLiteStorage) CreateContent(ctx context.Context, content *types.Content) error {
	if content.DocumentID == "" {
		return types.InvalidInputf("content requires a document id")
	}
	if content.ID == "" {
		content.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	return s.withTx(ctx, func(q querier) error {
		var version int
		err := q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM document_content WHERE document_id = ?`,
			content.DocumentID).Scan(&version)
		if err != nil {
			return fmt.Errorf("failed to read content version: %w", err)
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO document_content (document_content_id, document_id, version, markdown, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			content.ID, content.DocumentID, version, content.Markdown, nullString(content.Payload), now)
		if err != nil {
			return fmt.Errorf("failed to create content: %w", err)
		}
		content.Version = version
		content.CreatedAt = now
		return nil
	})
}

// LatestContent returns the highest live version of a document
func (s *SQLiteStorage) LatestContent(ctx context.Context, documentID string) (*types.Content, error) {
	query := `
		SELECT document_content_id, document_id, version, markdown, payload, created_at
		FROM document_content
		WHERE document_id = ? AND deleted_at IS NULL
		ORDER BY version DESC
		LIMIT 1
	`
	var c types.Content
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&c.ID, &c.DocumentID, &c.Version, &c.Markdown, &payload, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest content: %w", err)
	}
	c.Payload = payload.String
	return &c, nil
}

// Chunk operations

// InsertChunks writes the chunks of one content version atomically.
// Missing chunk ids are generated and written back into chunks.
func (s *SQLiteStorage) InsertChunks(ctx context.Context, contentID string, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for i := range chunks {
		if err := chunks[i].Validate(); err != nil {
			return types.InvalidInputf("chunk %d: %v", i, err)
		}
	}
	now := time.Now().UTC()

	return s.withTx(ctx, func(q querier) error {
		query := `
			INSERT INTO document_chunk (document_chunk_id, document_content_id, position, chunk_content, chunk_embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		for i := range chunks {
			c := &chunks[i]
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.ContentID = contentID
			c.CreatedAt = now

			var blob []byte
			if len(c.Embedding) > 0 {
				blob = vecmath.Encode(c.Embedding)
			}
			if _, err := q.ExecContext(ctx, query, c.ID, contentID, c.Position, c.Text, blob, now); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", c.Position, err)
			}
		}
		return nil
	})
}

// ListChunks returns the live chunks of a content version by position
func (s *SQLiteStorage) ListChunks(ctx context.Context, contentID string) ([]types.Chunk, error) {
	query := `
		SELECT document_chunk_id, document_content_id, position, chunk_content, chunk_embedding, created_at
		FROM document_chunk
		WHERE document_content_id = ? AND deleted_at IS NULL
		ORDER BY position
	`
	rows, err := s.db.QueryContext(ctx, query, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.ContentID, &c.Position, &c.Text, &blob, &c.CreatedAt); err != nil {
			return nil, err
		}
		if len(blob) > 0 {
			c.Embedding = vecmath.Decode(blob)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Search operations

// latestContentJoin restricts chunks to the latest live content version of
// each live document owned by the user.
const latestContentJoin = `
	JOIN document_content dct ON dct.document_content_id = dc.document_content_id
	JOIN document d ON d.document_id = dct.document_id
	WHERE d.user_id = ?
	  AND d.deleted_at IS NULL
	  AND dct.deleted_at IS NULL
	  AND dc.deleted_at IS NULL
	  AND dct.version = (
		SELECT MAX(v.version) FROM document_content v
		WHERE v.document_id = dct.document_id AND v.deleted_at IS NULL
	  )
`

// LexicalSearch runs a full-text query. Results are ordered by rank
// descending, then newer version, lower position and chunk id.
func (s *SQLiteStorage) LexicalSearch(ctx context.Context, q LexicalQuery) ([]types.RetrievalResult, error) {
	match := sanitizeFTSQuery(q.Query)
	if match == "" || q.Limit <= 0 {
		return []types.RetrievalResult{}, nil
	}

	query := `
		SELECT dc.document_chunk_id, d.document_id, dct.document_content_id, d.name, d.path,
		       dc.position, dct.version, dc.chunk_content, -bm25(document_chunk_fts) AS score
		FROM document_chunk_fts
		JOIN document_chunk dc ON dc.id = document_chunk_fts.rowid
	` + latestContentJoin + `
		  AND document_chunk_fts MATCH ?
	`
	args := []any{q.UserID, match}
	if prefix := pathtree.NormalizePrefix(q.PathPrefix); prefix != pathtree.Separator {
		clause, cargs := descendantClause("d.path", prefix, true)
		query += " AND " + clause
		args = append(args, cargs...)
	}
	query += `
		ORDER BY score DESC, dct.version DESC, dc.position ASC, dc.document_chunk_id ASC
		LIMIT ?
	`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %v", types.ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.RetrievalResult, 0, q.Limit)
	for rows.Next() {
		var r types.RetrievalResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ContentID, &r.DocumentName,
			&r.DocumentPath, &r.Position, &r.Version, &r.Text, &r.Score); err != nil {
			return nil, err
		}
		r.Score = types.SanitizeScore(r.Score)
		r.ScoreKind = types.ScoreRank
		results = append(results, r)
	}
	return results, rows.Err()
}

// HydrateChunks looks up the latest chunk text for each ref
func (s *SQLiteStorage) HydrateChunks(ctx context.Context, q HydrateQuery) (map[ChunkRef]types.RetrievalResult, error) {
	out := make(map[ChunkRef]types.RetrievalResult, len(q.Refs))
	if len(q.Refs) == 0 {
		return out, nil
	}

	wanted := make(map[ChunkRef]struct{}, len(q.Refs))
	docIDs := make([]any, 0, len(q.Refs))
	seen := make(map[string]struct{})
	for _, ref := range q.Refs {
		wanted[ref] = struct{}{}
		if _, ok := seen[ref.DocumentID]; ok {
			continue
		}
		seen[ref.DocumentID] = struct{}{}
		docIDs = append(docIDs, ref.DocumentID)
	}

	query := `
		SELECT dc.document_chunk_id, d.document_id, dct.document_content_id, d.name, d.path,
		       dc.position, dct.version, dc.chunk_content
		FROM document_chunk dc
	` + latestContentJoin + `
		  AND d.document_id IN (` + placeholders(len(docIDs)) + `)
	`
	args := append([]any{q.UserID}, docIDs...)
	if prefix := pathtree.NormalizePrefix(q.PathPrefix); prefix != pathtree.Separator {
		clause, cargs := descendantClause("d.path", prefix, true)
		query += " AND " + clause
		args = append(args, cargs...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: hydrate chunks: %v", types.ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r types.RetrievalResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ContentID, &r.DocumentName,
			&r.DocumentPath, &r.Position, &r.Version, &r.Text); err != nil {
			return nil, err
		}
		ref := ChunkRef{DocumentID: r.DocumentID, Position: r.Position}
		if _, ok := wanted[ref]; ok {
			out[ref] = r
		}
	}
	return out, rows.Err()
}

// Tree operations

// ListTreeRows returns the live descendants of prefix ordered by path
func (s *SQLiteStorage) ListTreeRows(ctx context.Context, q TreeQuery) ([]pathtree.Row, error) {
	query, args := sqliteTreeQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list tree: %v", types.ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []pathtree.Row
	for rows.Next() {
		var r pathtree.Row
		var kind string
		var mimeType sql.NullString
		if err := rows.Scan(&r.ID, &r.Path, &r.Name, &kind, &mimeType, &r.Size, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Kind = types.Kind(kind)
		r.MimeType = mimeType.String
		out = append(out, r)
	}
	return out, rows.Err()
}

const treeColumns = `document_id, path, name, kind, mime_type, file_size, updated_at`

// sqliteTreeQuery builds the tree listing. Depth is applied before the
// limit: rows deeper than q.Depth collapse to the first row of each
// subtree at the depth boundary, which is enough to show its directories.
func sqliteTreeQuery(q TreeQuery) (string, []any) {
	prefix := pathtree.NormalizePrefix(q.Prefix)
	clause, cargs := descendantClause("path", prefix, false)
	scope := `FROM document
		WHERE user_id = ? AND deleted_at IS NULL AND ` + clause
	args := append([]any{q.UserID}, cargs...)

	if q.Depth <= 0 {
		query := `SELECT ` + treeColumns + `
		` + scope + `
		ORDER BY path
		LIMIT ?`
		return query, append(args, pathtree.ClampLimit(q.Limit))
	}

	// rel is the path below prefix with a trailing slash, so the slash
	// count is the depth and e<n> is the end of the nth segment
	start := 2
	if prefix != pathtree.Separator {
		start = utf8.RuneCountInString(prefix) + 2
	}
	var b strings.Builder
	b.WriteString(`WITH scoped AS (
		SELECT ` + treeColumns + `, substr(path, ?) || '/' AS rel
		` + scope + `
	), lvl1 AS (SELECT *, instr(rel, '/') AS e1 FROM scoped)`)
	for i := 2; i <= q.Depth; i++ {
		fmt.Fprintf(&b, `, lvl%d AS (SELECT *, e%d + instr(substr(rel, e%d + 1), '/') AS e%d FROM lvl%d)`,
			i, i-1, i-1, i, i-1)
	}
	last := fmt.Sprintf("lvl%d", q.Depth)
	levels := `(length(rel) - length(replace(rel, '/', '')))`
	fmt.Fprintf(&b, `
	SELECT `+treeColumns+` FROM %s WHERE %s <= ?
	UNION ALL
	SELECT document_id, MIN(path) AS path, name, kind, mime_type, file_size, updated_at
	FROM %s WHERE %s > ?
	GROUP BY substr(rel, 1, e%d)
	ORDER BY path
	LIMIT ?`, last, levels, last, levels, q.Depth)

	args = append([]any{start}, args...)
	args = append(args, q.Depth, q.Depth, pathtree.ClampLimit(q.Limit))
	return b.String(), args
}

// FolderPath resolves a folder id to its path
func (s *SQLiteStorage) FolderPath(ctx context.Context, userID, folderID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `
		SELECT path FROM document
		WHERE user_id = ? AND document_id = ? AND kind = 'folder' AND deleted_at IS NULL`,
		userID, folderID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve folder: %w", err)
	}
	return path, nil
}

// DocumentText returns a document and the markdown of its latest version
func (s *SQLiteStorage) DocumentText(ctx context.Context, userID, documentID string) (*DocumentText, error) {
	doc, err := s.GetDocument(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	content, err := s.LatestContent(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &DocumentText{
		Document:  doc,
		ContentID: content.ID,
		Version:   content.Version,
		Markdown:  content.Markdown,
	}, nil
}

// Status operations

// GetStatus counts what a user has stored
func (s *SQLiteStorage) GetStatus(ctx context.Context, userID string) (*Status, error) {
	var st Status
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN kind = 'folder' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN kind = 'item' THEN 1 ELSE 0 END), 0)
		FROM document WHERE user_id = ? AND deleted_at IS NULL`, userID,
	).Scan(&st.Documents, &st.Folders, &st.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_content dct
		JOIN document d ON d.document_id = dct.document_id
		WHERE d.user_id = ? AND d.deleted_at IS NULL AND dct.deleted_at IS NULL`, userID,
	).Scan(&st.Contents)
	if err != nil {
		return nil, fmt.Errorf("failed to count contents: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN dc.chunk_embedding IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM document_chunk dc`+latestContentJoin, userID,
	).Scan(&st.Chunks, &st.Embedded)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	var last sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM document WHERE user_id = ? AND deleted_at IS NULL`, userID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read last update: %w", err)
	}
	if last.Valid {
		st.LastUpdatedAt = parseTimestamp(last.String)
	}
	return &st, nil
}

// descendantClause matches column against path's subtree. With self the
// path itself matches too. The root matches every absolute path.
func descendantClause(column, path string, self bool) (string, []any) {
	if path == pathtree.Separator {
		return column + ` LIKE '/%'`, nil
	}
	pattern := escapeLike(path) + "/%"
	if self {
		return "(" + column + ` = ? OR ` + column + ` LIKE ? ESCAPE '\')`, []any{path, pattern}
	}
	return column + ` LIKE ? ESCAPE '\'`, []any{pattern}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// parseTimestamp reads aggregate timestamps, which drivers return as text
func parseTimestamp(s string) time.Time {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// sanitizeFTSQuery turns free text into an FTS5 expression that requires
// every term. Each term is quoted so operators and syntax characters in
// user input are matched literally.
func sanitizeFTSQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, "")
		if strings.IndexFunc(term, isWordRune) < 0 {
			continue
		}
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " ")
}

func isWordRune(r rune) bool {
	return r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127
}
