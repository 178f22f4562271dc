package indexer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbretrieval/internal/chunker"
	"github.com/dshills/kbretrieval/internal/embedder"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/internal/vectorindex"
	"github.com/dshills/kbretrieval/pkg/types"
)

// ErrIngestInProgress is returned when a batch is already running
var ErrIngestInProgress = errors.New("ingest already in progress")

// Encoder turns chunk texts into unit vectors
type Encoder interface {
	Encode(ctx context.Context, texts []string, usage embedder.Usage) ([][]float32, error)
}

// VectorWriter is the write side of the vector index
type VectorWriter interface {
	UpsertOwned(ctx context.Context, owner vectorindex.Owner, chunks []types.Chunk, vectors [][]float32) (int, error)
	DeleteDocument(ctx context.Context, docID string) (int, error)
}

// Indexer coordinates the ingestion pipeline: chunk -> embed -> store -> index
type Indexer struct {
	store   storage.Store
	encoder Encoder      // Nil stores chunks without vectors
	index   VectorWriter // Nil skips the vector index
	chunker *chunker.Chunker
	logger  *slog.Logger

	workers  int
	onChange func()
	lock     IngestLock
}

// Config contains configuration for the indexer
type Config struct {
	Workers      int // Concurrent documents per batch (default: runtime.NumCPU())
	ChunkSize    int
	ChunkOverlap int
	// OnChange runs after any document is written, e.g. to drop cached
	// search responses
	OnChange func()
	Logger   *slog.Logger
}

// Document is one folder or item to ingest
type Document struct {
	UserID     string
	Path       string
	Name       string
	Kind       types.Kind // Defaults to item
	MimeType   string
	Markdown   string
	Payload    string
	Size       int64
	StorageKey string
	Force      bool // Re-index even when the markdown is unchanged
}

// Result reports what one ingest wrote
type Result struct {
	DocumentID    string
	ContentID     string
	Version       int
	Chunks        int
	Indexed       int  // Vectors written
	FailedVectors int  // Vectors that could not be written
	Unchanged     bool // Latest content already had this markdown
}

// Statistics contains statistics about a batch ingest
type Statistics struct {
	Documents     int
	Unchanged     int
	Failed        int
	Chunks        int
	Indexed       int
	Duration      time.Duration
	Results       []*Result // Input order; nil where the document failed
	ErrorMessages []string
}

// New creates an Indexer. store is required; encoder and index may be nil
// for lexical-only deployments.
func New(store storage.Store, encoder Encoder, index VectorWriter, cfg Config) (*Indexer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: relational store", types.ErrConfigurationMissing)
	}
	size, overlap := cfg.ChunkSize, cfg.ChunkOverlap
	if size <= 0 {
		size, overlap = chunker.DefaultChunkSize, chunker.DefaultChunkOverlap
	}
	ch, err := chunker.New(size, overlap)
	if err != nil {
		return nil, types.InvalidInputf("%v", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:    store,
		encoder:  encoder,
		index:    index,
		chunker:  ch,
		logger:   logger,
		workers:  workers,
		onChange: cfg.OnChange,
	}, nil
}

// Ingest writes one document. Items get a new content version, chunks and
// vectors; folders only get the document row. Embedding happens before any
// write so a model failure leaves the store untouched. A partial vector
// upsert is reported in the result, not returned as an error.
func (idx *Indexer) Ingest(ctx context.Context, in Document) (*Result, error) {
	if in.Kind == "" {
		in.Kind = types.KindItem
	}
	doc := &types.Document{
		UserID:     in.UserID,
		Path:       in.Path,
		Name:       in.Name,
		Kind:       in.Kind,
		MimeType:   in.MimeType,
		Size:       in.Size,
		StorageKey: in.StorageKey,
	}
	if err := doc.Validate(); err != nil {
		return nil, types.InvalidInputf("%v", err)
	}

	hasText := in.Kind == types.KindItem && strings.TrimSpace(in.Markdown) != ""
	if !hasText {
		if err := idx.store.UpsertDocument(ctx, doc); err != nil {
			return nil, err
		}
		idx.changed()
		return &Result{DocumentID: doc.ID}, nil
	}

	if !in.Force {
		if res, ok := idx.unchanged(ctx, doc, in.Markdown); ok {
			return res, nil
		}
	}

	chunks := idx.chunker.Chunks("", in.Markdown)
	vectors, err := idx.encode(ctx, chunks)
	if err != nil {
		return nil, err
	}

	if err := idx.store.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	content := &types.Content{DocumentID: doc.ID, Markdown: in.Markdown, Payload: in.Payload}
	if err := idx.store.CreateContent(ctx, content); err != nil {
		return nil, err
	}
	for i := range chunks {
		if vectors != nil && i < len(vectors) {
			chunks[i].Embedding = vectors[i]
		}
	}
	if err := idx.store.InsertChunks(ctx, content.ID, chunks); err != nil {
		return nil, err
	}

	res := &Result{
		DocumentID: doc.ID,
		ContentID:  content.ID,
		Version:    content.Version,
		Chunks:     len(chunks),
	}
	if vectors != nil {
		idx.writeVectors(ctx, doc, chunks, vectors, res)
	}
	idx.changed()

	idx.logger.Debug("document ingested",
		slog.String("document_id", doc.ID),
		slog.Int("version", res.Version),
		slog.Int("chunks", res.Chunks),
		slog.Int("indexed", res.Indexed))
	return res, nil
}

// unchanged reports whether the live document at the same path already
// carries this markdown as its latest content
func (idx *Indexer) unchanged(ctx context.Context, doc *types.Document, markdown string) (*Result, bool) {
	existing, err := idx.store.GetDocumentByPath(ctx, doc.UserID, doc.Path)
	if err != nil {
		return nil, false
	}
	latest, err := idx.store.LatestContent(ctx, existing.ID)
	if err != nil {
		return nil, false
	}
	if sha256.Sum256([]byte(latest.Markdown)) != sha256.Sum256([]byte(markdown)) {
		return nil, false
	}
	chunks, err := idx.store.ListChunks(ctx, latest.ID)
	if err != nil {
		return nil, false
	}
	return &Result{
		DocumentID: existing.ID,
		ContentID:  latest.ID,
		Version:    latest.Version,
		Chunks:     len(chunks),
		Unchanged:  true,
	}, true
}

func (idx *Indexer) encode(ctx context.Context, chunks []types.Chunk) ([][]float32, error) {
	if idx.encoder == nil || len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := idx.encoder.Encode(ctx, texts, embedder.UsageDoc)
	if err != nil {
		if errors.Is(err, types.ErrBackendUnavailable) {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		return nil, fmt.Errorf("%w: embed chunks: %v", types.ErrBackendUnavailable, err)
	}
	return vectors, nil
}

// writeVectors replaces the document's index records. Stale positions from
// an older version are deleted first.
func (idx *Indexer) writeVectors(ctx context.Context, doc *types.Document, chunks []types.Chunk, vectors [][]float32, res *Result) {
	if idx.index == nil {
		return
	}
	docID := doc.ID
	if n, err := idx.index.DeleteDocument(ctx, docID); err != nil {
		idx.logger.Warn("failed to delete stale vectors",
			slog.String("document_id", docID),
			slog.Any("error", err))
	} else if n > 0 {
		idx.logger.Debug("stale vectors deleted", slog.String("document_id", docID), slog.Int("count", n))
	}

	owner := vectorindex.Owner{DocID: docID, UserID: doc.UserID, Path: doc.Path}
	written, err := idx.index.UpsertOwned(ctx, owner, chunks, vectors)
	res.Indexed = written
	if err == nil {
		return
	}
	var partial *types.PartialWriteError
	if errors.As(err, &partial) {
		res.FailedVectors = partial.Failed
		return
	}
	res.FailedVectors = len(chunks) - written
	idx.logger.Warn("vector upsert failed",
		slog.String("document_id", docID),
		slog.Any("error", err))
}

// Delete soft-deletes a document (and a folder's descendants) and drops
// its vectors. Returns the number of documents marked deleted.
func (idx *Indexer) Delete(ctx context.Context, userID, documentID string) (int, error) {
	n, err := idx.store.SoftDeleteDocument(ctx, userID, documentID)
	if err != nil {
		return 0, err
	}
	if idx.index != nil {
		if _, err := idx.index.DeleteDocument(ctx, documentID); err != nil {
			idx.logger.Warn("failed to delete vectors",
				slog.String("document_id", documentID),
				slog.Any("error", err))
		}
	}
	idx.changed()
	return n, nil
}

// IngestBatch ingests documents concurrently. Per-document failures are
// collected in the statistics; only cancellation or a concurrent batch
// fails the call.
func (idx *Indexer) IngestBatch(ctx context.Context, docs []Document) (*Statistics, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrIngestInProgress
	}
	defer idx.lock.Release()

	startTime := time.Now()
	stats := &Statistics{
		Results:       make([]*Result, len(docs)),
		ErrorMessages: make([]string, 0),
	}

	var (
		ingested  int32
		unchanged int32
		failed    int32
		chunks    int32
		indexed   int32
		mu        sync.Mutex // Protect stats.ErrorMessages
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers)
	for i, doc := range docs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := idx.Ingest(gctx, doc)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				atomic.AddInt32(&failed, 1)
				mu.Lock()
				stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("%s: %v", doc.Path, err))
				mu.Unlock()
				return nil
			}
			stats.Results[i] = res
			atomic.AddInt32(&ingested, 1)
			if res.Unchanged {
				atomic.AddInt32(&unchanged, 1)
			}
			atomic.AddInt32(&chunks, int32(res.Chunks))
			atomic.AddInt32(&indexed, int32(res.Indexed))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats.Documents = int(ingested)
	stats.Unchanged = int(unchanged)
	stats.Failed = int(failed)
	stats.Chunks = int(chunks)
	stats.Indexed = int(indexed)
	stats.Duration = time.Since(startTime)

	idx.logger.Info("batch ingested",
		slog.Int("documents", stats.Documents),
		slog.Int("failed", stats.Failed),
		slog.Int("chunks", stats.Chunks),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

func (idx *Indexer) changed() {
	if idx.onChange != nil {
		idx.onChange()
	}
}
