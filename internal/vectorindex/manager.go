package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbretrieval/pkg/types"
)

// Backend is a vector store able to host one or more indexes
type Backend interface {
	IndexExists(ctx context.Context, spec IndexSpec) (bool, error)
	// CreateIndex returns ErrIndexExists when the index is already there
	CreateIndex(ctx context.Context, spec IndexSpec) error
	UpsertRecord(ctx context.Context, spec IndexSpec, key string, rec Record) error
	// KNN returns the nearest records matching filter, with Distance set
	KNN(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error)
	DeleteDocument(ctx context.Context, spec IndexSpec, docID string) (int, error)
	Close() error
}

// Options configures a Manager
type Options struct {
	Timeout           time.Duration // Per backend call; 0 disables
	UpsertConcurrency int           // Parallel record writes; default 4
	Logger            *slog.Logger
}

// Manager owns one index on one backend
type Manager struct {
	backend     Backend
	spec        IndexSpec
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewManager validates spec and binds it to backend
func NewManager(backend Backend, spec IndexSpec, opts Options) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: vector backend", types.ErrConfigurationMissing)
	}
	if err := spec.Validate(); err != nil {
		return nil, types.InvalidInputf("%v", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.UpsertConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		backend:     backend,
		spec:        spec,
		timeout:     opts.Timeout,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Spec returns the validated index spec
func (m *Manager) Spec() IndexSpec {
	return m.spec
}

// Close closes the backend
func (m *Manager) Close() error {
	return m.backend.Close()
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// EnsureIndex makes sure the index exists and reports whether it is usable.
// Success is remembered; a failed attempt is retried on the next call.
func (m *Manager) EnsureIndex(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return true, nil
	}

	cctx, cancel := m.withTimeout(ctx)
	defer cancel()

	exists, err := m.backend.IndexExists(cctx, m.spec)
	if err != nil {
		return false, fmt.Errorf("%w: check index %s: %v", types.ErrBackendUnavailable, m.spec.Name, err)
	}
	if !exists {
		err := m.backend.CreateIndex(cctx, m.spec)
		if err != nil && !errors.Is(err, ErrIndexExists) {
			return false, fmt.Errorf("%w: create index %s: %v", types.ErrBackendUnavailable, m.spec.Name, err)
		}
		m.logger.Info("vector index created",
			slog.String("index", m.spec.Name),
			slog.Int("dim", m.spec.Dim),
			slog.String("metric", string(m.spec.Metric)))
	}
	m.ready = true
	return true, nil
}

// Upsert writes one record per chunk without owner metadata. Such records
// only match unscoped queries; see UpsertOwned.
func (m *Manager) Upsert(ctx context.Context, docID string, chunks []types.Chunk, vectors [][]float32) (int, error) {
	return m.UpsertOwned(ctx, Owner{DocID: docID}, chunks, vectors)
}

// UpsertOwned writes one record per chunk tagged with the owning user and
// path. Records are written independently; a vector of the wrong dimension
// or a failed write counts as failed and the rest still land. The written
// count is always returned; when anything failed the error is a
// *types.PartialWriteError.
func (m *Manager) UpsertOwned(ctx context.Context, owner Owner, chunks []types.Chunk, vectors [][]float32) (int, error) {
	docID := owner.DocID
	if docID == "" {
		return 0, types.InvalidInputf("document id is required")
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if _, err := m.EnsureIndex(ctx); err != nil {
		return 0, err
	}

	var (
		mu       sync.Mutex
		written  int
		failed   int
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, chunk := range chunks {
		if i >= len(vectors) || len(vectors[i]) != m.spec.Dim {
			fail(fmt.Errorf("chunk %d: vector dimension mismatch", chunk.Position))
			continue
		}
		rec := Record{
			DocID:    docID,
			UserID:   owner.UserID,
			Path:     owner.Path,
			Position: chunk.Position,
			Text:     chunk.Text,
			Vector:   vectors[i],
		}
		g.Go(func() error {
			cctx, cancel := m.withTimeout(gctx)
			defer cancel()
			if err := m.backend.UpsertRecord(cctx, m.spec, m.spec.Key(docID, rec.Position), rec); err != nil {
				fail(fmt.Errorf("chunk %d: %w", rec.Position, err))
				return nil
			}
			mu.Lock()
			written++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		m.logger.Warn("partial vector upsert",
			slog.String("doc_id", docID),
			slog.Int("written", written),
			slog.Int("failed", failed),
			slog.Any("error", firstErr))
		return written, &types.PartialWriteError{Written: written, Failed: failed, Err: firstErr}
	}
	m.logger.Debug("vectors upserted", slog.String("doc_id", docID), slog.Int("written", written))
	return written, nil
}

// KNNSearch returns up to k nearest records matching filter, ordered by
// similarity then key. The filter is applied by the backend before the k
// limit. Any failure yields an empty slice.
func (m *Manager) KNNSearch(ctx context.Context, vector []float32, k int, filter Filter) []Hit {
	if k <= 0 {
		return []Hit{}
	}
	if len(vector) != m.spec.Dim {
		m.logger.Warn("knn query dimension mismatch",
			slog.Int("got", len(vector)), slog.Int("want", m.spec.Dim))
		return []Hit{}
	}
	if _, err := m.EnsureIndex(ctx); err != nil {
		m.logger.Warn("knn search skipped", slog.Any("error", err))
		return []Hit{}
	}

	cctx, cancel := m.withTimeout(ctx)
	defer cancel()

	hits, err := m.backend.KNN(cctx, m.spec, vector, k, filter)
	if err != nil {
		m.logger.Warn("knn search failed",
			slog.String("index", m.spec.Name),
			slog.Any("error", err))
		return []Hit{}
	}
	return rankHits(hits, m.spec.Metric, k)
}

// DeleteDocument removes every record of a document
func (m *Manager) DeleteDocument(ctx context.Context, docID string) (int, error) {
	if docID == "" {
		return 0, types.InvalidInputf("document id is required")
	}
	if _, err := m.EnsureIndex(ctx); err != nil {
		return 0, err
	}
	cctx, cancel := m.withTimeout(ctx)
	defer cancel()

	n, err := m.backend.DeleteDocument(cctx, m.spec, docID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete %s: %v", types.ErrBackendUnavailable, docID, err)
	}
	return n, nil
}
