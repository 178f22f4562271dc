package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/internal/vecmath"
	"github.com/dshills/kbretrieval/pkg/types"
)

// mockBackend implements Backend with overridable funcs
type mockBackend struct {
	indexExistsFunc func(ctx context.Context, spec IndexSpec) (bool, error)
	createIndexFunc func(ctx context.Context, spec IndexSpec) error
	upsertFunc      func(ctx context.Context, spec IndexSpec, key string, rec Record) error
	knnFunc         func(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error)
	deleteFunc      func(ctx context.Context, spec IndexSpec, docID string) (int, error)

	existsCalls atomic.Int32
	createCalls atomic.Int32
}

func (m *mockBackend) IndexExists(ctx context.Context, spec IndexSpec) (bool, error) {
	m.existsCalls.Add(1)
	if m.indexExistsFunc != nil {
		return m.indexExistsFunc(ctx, spec)
	}
	return true, nil
}

func (m *mockBackend) CreateIndex(ctx context.Context, spec IndexSpec) error {
	m.createCalls.Add(1)
	if m.createIndexFunc != nil {
		return m.createIndexFunc(ctx, spec)
	}
	return nil
}

func (m *mockBackend) UpsertRecord(ctx context.Context, spec IndexSpec, key string, rec Record) error {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, spec, key, rec)
	}
	return nil
}

func (m *mockBackend) KNN(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
	if m.knnFunc != nil {
		return m.knnFunc(ctx, spec, vector, k, filter)
	}
	return nil, nil
}

func (m *mockBackend) DeleteDocument(ctx context.Context, spec IndexSpec, docID string) (int, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, spec, docID)
	}
	return 0, nil
}

func (m *mockBackend) Close() error { return nil }

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testSpec(dim int) IndexSpec {
	return IndexSpec{Name: "kb_chunks", Prefix: "chunk:", Dim: dim}
}

func newTestManager(t *testing.T, backend Backend, dim int) *Manager {
	t.Helper()
	m, err := NewManager(backend, testSpec(dim), Options{Timeout: time.Second, Logger: quietLogger})
	require.NoError(t, err)
	return m
}

// unitVector returns a dim-length vector with a 1 at index hot
func unitVector(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func makeChunks(n int) []types.Chunk {
	chunks := make([]types.Chunk, n)
	for i := range chunks {
		chunks[i] = types.Chunk{Position: i, Text: fmt.Sprintf("chunk %d", i)}
	}
	return chunks
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(nil, testSpec(4), Options{})
	assert.ErrorIs(t, err, types.ErrConfigurationMissing)

	_, err = NewManager(&mockBackend{}, IndexSpec{Name: "kb", Dim: 0}, Options{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	m, err := NewManager(&mockBackend{}, testSpec(4), Options{})
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m.Spec().Metric)
}

func TestEnsureIndex_Idempotent(t *testing.T) {
	exists := false
	backend := &mockBackend{
		indexExistsFunc: func(ctx context.Context, spec IndexSpec) (bool, error) { return exists, nil },
		createIndexFunc: func(ctx context.Context, spec IndexSpec) error {
			exists = true
			return nil
		},
	}
	m := newTestManager(t, backend, 4)

	ok, err := m.EnsureIndex(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.EnsureIndex(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int32(1), backend.existsCalls.Load())
	assert.Equal(t, int32(1), backend.createCalls.Load())
}

func TestEnsureIndex_AlreadyExistsIsSuccess(t *testing.T) {
	backend := &mockBackend{
		indexExistsFunc: func(ctx context.Context, spec IndexSpec) (bool, error) { return false, nil },
		createIndexFunc: func(ctx context.Context, spec IndexSpec) error { return ErrIndexExists },
	}
	m := newTestManager(t, backend, 4)

	ok, err := m.EnsureIndex(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnsureIndex_RetriesAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	backend := &mockBackend{
		indexExistsFunc: func(ctx context.Context, spec IndexSpec) (bool, error) {
			if fail.Load() {
				return false, errors.New("connection refused")
			}
			return true, nil
		},
	}
	m := newTestManager(t, backend, 4)

	ok, err := m.EnsureIndex(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)

	fail.Store(false)
	ok, err = m.EnsureIndex(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), backend.existsCalls.Load())
}

func TestEnsureIndex_Concurrent(t *testing.T) {
	backend := &mockBackend{
		indexExistsFunc: func(ctx context.Context, spec IndexSpec) (bool, error) { return false, nil },
	}
	m := newTestManager(t, backend, 4)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.EnsureIndex(context.Background())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), backend.createCalls.Load())
}

func TestUpsert_PartialFailure(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]Record{}
	backend := &mockBackend{
		upsertFunc: func(ctx context.Context, spec IndexSpec, key string, rec Record) error {
			if rec.Position == 5 {
				return errors.New("write refused")
			}
			mu.Lock()
			stored[key] = rec
			mu.Unlock()
			return nil
		},
		knnFunc: func(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
			mu.Lock()
			defer mu.Unlock()
			var hits []Hit
			for key, rec := range stored {
				hits = append(hits, Hit{
					Key:      key,
					DocID:    rec.DocID,
					Position: rec.Position,
					Text:     rec.Text,
					Distance: distance(spec.Metric, vector, rec.Vector),
				})
			}
			return hits, nil
		},
	}
	m := newTestManager(t, backend, 4)

	vectors := make([][]float32, 10)
	for i := range vectors {
		vectors[i] = unitVector(4, i)
	}
	n, err := m.Upsert(context.Background(), "doc-1", makeChunks(10), vectors)
	assert.Equal(t, 9, n)

	var pw *types.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, 9, pw.Written)
	assert.Equal(t, 1, pw.Failed)
	assert.Len(t, stored, 9)
	assert.NotContains(t, stored, "chunk:doc-1:5")
	assert.Equal(t, "chunk 3", stored["chunk:doc-1:3"].Text)

	// The nine written records are queryable
	hits := m.KNNSearch(context.Background(), unitVector(4, 1), 20, Filter{})
	require.Len(t, hits, 9)
	assert.Equal(t, 1, hits[0].Position%4)
	positions := map[int]bool{}
	for _, h := range hits {
		positions[h.Position] = true
	}
	assert.Len(t, positions, 9)
	assert.NotContains(t, positions, 5)
}

func TestUpsert_Validation(t *testing.T) {
	m := newTestManager(t, &mockBackend{}, 4)

	_, err := m.Upsert(context.Background(), "", makeChunks(1), [][]float32{unitVector(4, 0)})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	n, err := m.Upsert(context.Background(), "doc-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Missing vectors count as failed records
	n, err = m.Upsert(context.Background(), "doc-1", makeChunks(3), [][]float32{unitVector(4, 0)})
	assert.Equal(t, 1, n)
	var pw *types.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, 2, pw.Failed)
}

func TestUpsert_IndexUnavailable(t *testing.T) {
	backend := &mockBackend{
		indexExistsFunc: func(ctx context.Context, spec IndexSpec) (bool, error) {
			return false, errors.New("down")
		},
	}
	m := newTestManager(t, backend, 4)

	n, err := m.Upsert(context.Background(), "doc-1", makeChunks(1), [][]float32{unitVector(4, 0)})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)
}

func TestKNNSearch_FailureReturnsEmpty(t *testing.T) {
	backend := &mockBackend{
		knnFunc: func(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
			return nil, errors.New("timeout")
		},
	}
	m := newTestManager(t, backend, 4)

	hits := m.KNNSearch(context.Background(), unitVector(4, 0), 5, Filter{})
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestKNNSearch_Timeout(t *testing.T) {
	backend := &mockBackend{
		knnFunc: func(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m, err := NewManager(backend, testSpec(4), Options{Timeout: 20 * time.Millisecond, Logger: quietLogger})
	require.NoError(t, err)

	start := time.Now()
	hits := m.KNNSearch(context.Background(), unitVector(4, 0), 5, Filter{})
	assert.Empty(t, hits)
	assert.Less(t, time.Since(start), time.Second)
}

func TestKNNSearch_OrdersAndTruncates(t *testing.T) {
	backend := &mockBackend{
		knnFunc: func(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
			assert.Equal(t, Filter{DocID: "doc-9"}, filter)
			return []Hit{
				{Key: "chunk:doc-9:2", Distance: 0.4},
				{Key: "chunk:doc-9:0", Distance: 0.1},
				{Key: "chunk:doc-9:1", Distance: 0.4},
			}, nil
		},
	}
	m := newTestManager(t, backend, 4)

	hits := m.KNNSearch(context.Background(), unitVector(4, 0), 2, Filter{DocID: "doc-9"})
	require.Len(t, hits, 2)
	assert.Equal(t, "chunk:doc-9:0", hits[0].Key)
	assert.Equal(t, "chunk:doc-9:1", hits[1].Key)
	assert.InDelta(t, 0.6, hits[1].Similarity, 1e-9)
}

func TestKNNSearch_BadInput(t *testing.T) {
	m := newTestManager(t, &mockBackend{}, 4)

	assert.Empty(t, m.KNNSearch(context.Background(), unitVector(3, 0), 5, Filter{}))
	assert.Empty(t, m.KNNSearch(context.Background(), unitVector(4, 0), 0, Filter{}))
}

func TestDeleteDocument(t *testing.T) {
	backend := &mockBackend{
		deleteFunc: func(ctx context.Context, spec IndexSpec, docID string) (int, error) {
			if docID == "bad" {
				return 0, errors.New("down")
			}
			return 3, nil
		},
	}
	m := newTestManager(t, backend, 4)

	n, err := m.DeleteDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = m.DeleteDocument(context.Background(), "bad")
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)

	_, err = m.DeleteDocument(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

// Ten chunks where the fifth carries a malformed vector: nine are written
// and all nine come back from a KNN query on the SQLite backend.
func TestManager_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend, err := NewSQLiteBackend(ctx, db.DB())
	require.NoError(t, err)
	m := newTestManager(t, backend, 8)

	vectors := make([][]float32, 10)
	for i := range vectors {
		vectors[i] = unitVector(8, i)
	}
	vectors[5] = []float32{1, 2, 3}

	n, err := m.Upsert(ctx, "doc-1", makeChunks(10), vectors)
	assert.Equal(t, 9, n)
	var pw *types.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, 1, pw.Failed)

	hits := m.KNNSearch(ctx, unitVector(8, 3), 20, Filter{})
	require.Len(t, hits, 9)
	assert.Equal(t, "chunk:doc-1:3", hits[0].Key)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	for _, h := range hits {
		assert.NotEqual(t, 5, h.Position)
	}

	// Filter by document
	_, err = m.Upsert(ctx, "doc-2", makeChunks(1), [][]float32{unitVector(8, 3)})
	require.NoError(t, err)
	hits = m.KNNSearch(ctx, unitVector(8, 3), 20, Filter{DocID: "doc-2"})
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-2", hits[0].DocID)

	deleted, err := m.DeleteDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 9, deleted)
	assert.Len(t, m.KNNSearch(ctx, unitVector(8, 3), 20, Filter{}), 1)
}

// Another user's near-identical vectors must not crowd the caller out of
// the k nearest.
func TestManager_SQLiteOwnerFilter(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend, err := NewSQLiteBackend(ctx, db.DB())
	require.NoError(t, err)
	m := newTestManager(t, backend, 8)

	for i := 0; i < 40; i++ {
		owner := Owner{DocID: fmt.Sprintf("other-%d", i), UserID: "user-b", Path: fmt.Sprintf("/budget/%d.md", i)}
		_, err := m.UpsertOwned(ctx, owner, makeChunks(1), [][]float32{unitVector(8, 0)})
		require.NoError(t, err)
	}
	near := []float32{0.9, 0.1, 0, 0, 0, 0, 0, 0}
	_, err = m.UpsertOwned(ctx, Owner{DocID: "mine", UserID: "user-a", Path: "/notes/travel.md"}, makeChunks(1), [][]float32{near})
	require.NoError(t, err)
	_, err = m.UpsertOwned(ctx, Owner{DocID: "mine-2", UserID: "user-a", Path: "/notes_old/x.md"}, makeChunks(1), [][]float32{near})
	require.NoError(t, err)

	// Unscoped, the other user's exact matches fill the window
	hits := m.KNNSearch(ctx, unitVector(8, 0), 5, Filter{})
	require.Len(t, hits, 5)
	for _, h := range hits {
		assert.NotEqual(t, "mine", h.DocID)
	}

	hits = m.KNNSearch(ctx, unitVector(8, 0), 5, Filter{UserID: "user-a"})
	require.Len(t, hits, 2)

	hits = m.KNNSearch(ctx, unitVector(8, 0), 5, Filter{UserID: "user-a", PathPrefix: "/notes"})
	require.Len(t, hits, 1)
	assert.Equal(t, "mine", hits[0].DocID)

	hits = m.KNNSearch(ctx, unitVector(8, 0), 5, Filter{UserID: "user-a", PathPrefix: "/notes/travel.md"})
	require.Len(t, hits, 1)

	assert.Empty(t, m.KNNSearch(ctx, unitVector(8, 0), 5, Filter{UserID: "user-c"}))
}

// A vector_record table from before owner columns existed is upgraded in
// place and its rows stay visible to unscoped queries.
func TestNewSQLiteBackend_AddsOwnerColumns(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.DB().ExecContext(ctx, `
		CREATE TABLE vector_index (name TEXT PRIMARY KEY, prefix TEXT NOT NULL, dim INTEGER NOT NULL, metric TEXT NOT NULL, created_at TIMESTAMP NOT NULL);
		CREATE TABLE vector_record (index_name TEXT NOT NULL, record_key TEXT NOT NULL, doc_id TEXT NOT NULL, position INTEGER NOT NULL, text TEXT NOT NULL, vector BLOB NOT NULL, updated_at TIMESTAMP NOT NULL, PRIMARY KEY (index_name, record_key));
		INSERT INTO vector_index VALUES ('kb_chunks', 'chunk:', 4, 'cosine', '2026-01-01');`)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx,
		`INSERT INTO vector_record VALUES ('kb_chunks', 'chunk:old:0', 'old', 0, 'legacy', ?, '2026-01-01')`,
		vecmath.Encode(unitVector(4, 0)))
	require.NoError(t, err)

	backend, err := NewSQLiteBackend(ctx, db.DB())
	require.NoError(t, err)
	m := newTestManager(t, backend, 4)

	assert.Len(t, m.KNNSearch(ctx, unitVector(4, 0), 5, Filter{}), 1)
	assert.Empty(t, m.KNNSearch(ctx, unitVector(4, 0), 5, Filter{UserID: "u1"}))
}
