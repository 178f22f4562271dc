package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbretrieval/internal/embedder"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/internal/vecmath"
	"github.com/dshills/kbretrieval/pkg/types"
)

const (
	DefaultFileTopK = 8
	MaxFileTopK     = 50

	snippetConcurrency = 4
)

// FileQuery searches inside one stored document
type FileQuery struct {
	UserID     string
	DocumentID string
	Query      string
	TopK       int // 0 means DefaultFileTopK
}

// SnippetRequest searches inside several stored documents. When AllowedIDs
// is non-empty every requested id must appear in it.
type SnippetRequest struct {
	UserID      string
	Query       string
	DocumentIDs []string
	AllowedIDs  []string
	TopK        int
}

// InlineDoc is caller-supplied markdown that is not stored anywhere
type InlineDoc struct {
	ID       string
	Markdown string
}

// ClampFileTopK applies the default and upper bound for file-scoped search
func ClampFileTopK(n int) int {
	if n <= 0 {
		return DefaultFileTopK
	}
	if n > MaxFileTopK {
		return MaxFileTopK
	}
	return n
}

// SearchDocument re-chunks the latest text of one document, embeds the
// chunks and the query, and ranks chunks by similarity. The vector index
// is not consulted, so this works for content that was never indexed.
func (s *Searcher) SearchDocument(ctx context.Context, q FileQuery) ([]types.RetrievalResult, error) {
	return s.snippets(ctx, SnippetRequest{
		UserID:      q.UserID,
		Query:       q.Query,
		DocumentIDs: []string{q.DocumentID},
		TopK:        q.TopK,
	}, true)
}

// FetchSnippets runs the file-scoped search over several documents and
// merges the results by score. Documents that no longer exist are skipped.
func (s *Searcher) FetchSnippets(ctx context.Context, req SnippetRequest) ([]types.RetrievalResult, error) {
	return s.snippets(ctx, req, false)
}

// snippets implements the file-scoped search; strict reports a missing
// document instead of skipping it
func (s *Searcher) snippets(ctx context.Context, req SnippetRequest, strict bool) ([]types.RetrievalResult, error) {
	if err := validateUser(req.UserID); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, types.InvalidInputf("query cannot be empty")
	}
	ids, err := snippetIDs(req.DocumentIDs, req.AllowedIDs)
	if err != nil {
		return nil, err
	}
	if s.reader == nil {
		return nil, fmt.Errorf("%w: relational reader", types.ErrConfigurationMissing)
	}
	if s.encoder == nil {
		return nil, fmt.Errorf("%w: embedding cache", types.ErrConfigurationMissing)
	}

	ctx, span := tracer.Start(ctx, "searcher.FetchSnippets", trace.WithAttributes(
		attribute.Int("documents", len(ids))))
	defer span.End()

	qvec, err := s.encodeQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	perDoc := make([][]types.RetrievalResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snippetConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			text, err := s.reader.DocumentText(gctx, req.UserID, id)
			if errors.Is(err, storage.ErrNotFound) {
				if strict {
					return types.InvalidInputf("document %s not found", id)
				}
				s.logger.Debug("snippet document not found", slog.String("document_id", id))
				return nil
			}
			if err != nil {
				return backendErr("load document "+id, err)
			}
			base := types.RetrievalResult{
				DocumentID:   text.Document.ID,
				ContentID:    text.ContentID,
				DocumentName: text.Document.Name,
				DocumentPath: text.Document.Path,
				Version:      text.Version,
			}
			results, err := s.scoreMarkdown(gctx, base, text.Markdown, qvec)
			if err != nil {
				return err
			}
			perDoc[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []types.RetrievalResult
	for _, results := range perDoc {
		merged = append(merged, results...)
	}
	return topResults(merged, ClampFileTopK(req.TopK)), nil
}

// snippetIDs de-duplicates ids and enforces the allow-list
func snippetIDs(ids, allowed []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, types.InvalidInputf("at least one document id is required")
	}
	allow := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		allow[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, types.InvalidInputf("document id cannot be empty")
		}
		if len(allow) > 0 {
			if _, ok := allow[id]; !ok {
				return nil, types.InvalidInputf("document %s is forbidden", id)
			}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// SearchInline ranks chunks of caller-supplied markdown against the query.
// The query is encoded once for all documents.
func (s *Searcher) SearchInline(ctx context.Context, query string, docs []InlineDoc, topK int) ([]types.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.InvalidInputf("query cannot be empty")
	}
	if s.encoder == nil {
		return nil, fmt.Errorf("%w: embedding cache", types.ErrConfigurationMissing)
	}
	if len(docs) == 0 {
		return []types.RetrievalResult{}, nil
	}

	qvec, err := s.encodeQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	var merged []types.RetrievalResult
	for i, doc := range docs {
		id := doc.ID
		if id == "" {
			id = "inline-" + strconv.Itoa(i)
		}
		results, err := s.scoreMarkdown(ctx, types.RetrievalResult{DocumentID: id}, doc.Markdown, qvec)
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}
	return topResults(merged, ClampFileTopK(topK)), nil
}

func (s *Searcher) encodeQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := s.encoder.Encode(ctx, []string{query}, embedder.UsageQuery)
	if err != nil {
		return nil, backendErr("encode query", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: encoder returned %d vectors", types.ErrBackendUnavailable, len(vectors))
	}
	return vectors[0], nil
}

// scoreMarkdown chunks markdown and scores each chunk by the dot product of
// unit vectors. Chunk ids are synthesized as {document_id}#{position}.
func (s *Searcher) scoreMarkdown(ctx context.Context, base types.RetrievalResult, markdown string, qvec []float32) ([]types.RetrievalResult, error) {
	pieces := s.chunker.Split(markdown)
	if len(pieces) == 0 {
		return nil, nil
	}
	vectors, err := s.encoder.Encode(ctx, pieces, embedder.UsageDoc)
	if err != nil {
		return nil, backendErr("encode chunks", err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("%w: encoder returned %d vectors for %d chunks", types.ErrBackendUnavailable, len(vectors), len(pieces))
	}

	out := make([]types.RetrievalResult, len(pieces))
	for i, text := range pieces {
		r := base
		r.ChunkID = base.DocumentID + "#" + strconv.Itoa(i)
		r.Position = i
		r.Text = text
		r.Score = types.SanitizeScore(vecmath.Dot(qvec, vectors[i]))
		r.ScoreKind = types.ScoreSimilarity
		out[i] = r
	}
	return out, nil
}

// topResults orders by score desc, document id, position and keeps k
func topResults(results []types.RetrievalResult, k int) []types.RetrievalResult {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.Position < b.Position
	})
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []types.RetrievalResult{}
	}
	return results
}

// backendErr keeps typed errors and marks the rest as backend failures
func backendErr(op string, err error) error {
	if errors.Is(err, types.ErrBackendUnavailable) || errors.Is(err, types.ErrInvalidInput) ||
		errors.Is(err, types.ErrConfigurationMissing) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrBackendUnavailable, op, err)
}
