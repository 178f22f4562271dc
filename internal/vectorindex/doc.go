// Package vectorindex maintains and queries a KNN index over chunk vectors
// in a pluggable vector store.
//
// A Manager binds one IndexSpec to one Backend. Records are keyed
// {prefix}{doc_id}:{position} and carry the owning document, user and
// path along with the position, chunk text and vector:
//
//	mgr, err := vectorindex.NewManager(backend, vectorindex.IndexSpec{
//	    Name:   "kb_chunks",
//	    Prefix: "chunk:",
//	    Dim:    256,
//	    Metric: vectorindex.MetricCosine,
//	}, vectorindex.Options{Timeout: 2 * time.Second})
//
//	owner := vectorindex.Owner{DocID: docID, UserID: userID, Path: "/notes/a.md"}
//	written, err := mgr.UpsertOwned(ctx, owner, chunks, vectors)
//	hits := mgr.KNNSearch(ctx, queryVector, 20, vectorindex.Filter{
//	    UserID:     userID,
//	    PathPrefix: "/notes",
//	})
//
// The filter is applied inside the backend before the k nearest are
// chosen, so other users' records never take a caller's slots.
//
// # Backends
//
//   - SQLiteBackend: brute-force scoring over float32 blobs in SQLite
//   - RedisBackend: RediSearch HNSW index over hashes
//   - QdrantBackend: one Qdrant collection per index over gRPC
//   - PGVectorBackend: one Postgres table per index with an HNSW index
//
// # Failure Semantics
//
// EnsureIndex is idempotent and safe under concurrent callers; a backend
// that reports the index already exists counts as success. Upsert is best
// effort per record and reports the written count with a
// *types.PartialWriteError when anything failed. KNNSearch never fails: a
// backend error or timeout is logged and yields no hits.
package vectorindex
