package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/kbretrieval/internal/config"
	"github.com/dshills/kbretrieval/internal/embedder"
	"github.com/dshills/kbretrieval/internal/indexer"
	"github.com/dshills/kbretrieval/internal/kvstore"
	"github.com/dshills/kbretrieval/internal/pgstore"
	"github.com/dshills/kbretrieval/internal/rerank"
	"github.com/dshills/kbretrieval/internal/searcher"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/internal/vectorindex"
	"github.com/dshills/kbretrieval/pkg/types"
)

// app holds every backend client, constructed once from config
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	sqlite  *storage.SQLiteStorage // Nil on postgres
	pg      *pgstore.Store         // Nil unless postgres storage or pgvector
	rdb     *redis.Client          // Nil unless a redis backend is configured
	encoder *embedder.Cache
	vectors *vectorindex.Manager // Nil when vector.backend is none

	searcher *searcher.Searcher
	indexer  *indexer.Indexer // Nil when the store is read-only

	closers []func() error
}

// newApp wires storage, cache, embeddings, vectors, reranker, searcher
// and indexer. On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openEncoder(); err != nil {
		return nil, err
	}
	if err := a.openVectors(ctx); err != nil {
		return nil, err
	}

	var index searcher.VectorIndex
	var writer indexer.VectorWriter
	if a.vectors != nil {
		index, writer = a.vectors, a.vectors
	}
	var reranker rerank.Reranker
	if cfg.Rerank.Enabled {
		reranker = rerank.New(rerank.Config{
			APIKey:  cfg.Rerank.APIKey,
			BaseURL: cfg.Rerank.BaseURL,
			Model:   cfg.Rerank.Model,
			Timeout: cfg.Rerank.Timeout.D(),
		})
	}

	var reader storage.Reader
	if a.sqlite != nil {
		reader = a.sqlite
	} else {
		reader = a.pg
	}
	a.searcher, err = searcher.New(reader, a.encoder, index, reranker, searcher.Config{
		CandidateMultiplier: cfg.Search.CandidateMultiplier,
		ArmTimeout:          cfg.Search.ArmTimeout.D(),
		RRFConstant:         cfg.Search.RRFConstant,
		ChunkSize:           cfg.Search.ChunkSize,
		ChunkOverlap:        cfg.Search.ChunkOverlap,
		CacheSize:           cfg.Search.CacheSize,
		CacheTTL:            cfg.Search.CacheTTL.D(),
		UnscopedVectors:     !cfg.Vector.OwnerFilter,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	// Postgres deployments are written by the upstream document pipeline
	if a.sqlite != nil {
		a.indexer, err = indexer.New(a.sqlite, a.encoder, writer, indexer.Config{
			Workers:      cfg.Ingest.Workers,
			ChunkSize:    cfg.Search.ChunkSize,
			ChunkOverlap: cfg.Search.ChunkOverlap,
			OnChange:     a.searcher.InvalidateCache,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendSQLite:
		if dir := filepath.Dir(a.cfg.Storage.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create database directory: %w", err)
			}
		}
		store, err := storage.NewSQLiteStorage(a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
		}
		a.sqlite = store
		a.closers = append(a.closers, store.Close)
		a.logger.Debug("sqlite storage opened", "path", a.cfg.Storage.Path, "driver", storage.DriverName)
	case config.BackendPostgres:
		if err := a.openPostgres(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) openPostgres(ctx context.Context) error {
	if a.pg != nil {
		return nil
	}
	pg, err := pgstore.Connect(ctx, a.cfg.Storage.DSN, pgstore.Options{
		Timeout: a.cfg.Storage.Timeout.D(),
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	a.pg = pg
	a.closers = append(a.closers, pg.Close)
	return nil
}

func (a *app) redisClient() *redis.Client {
	if a.rdb == nil {
		rc := a.cfg.Vector.Redis
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		a.closers = append(a.closers, a.rdb.Close)
	}
	return a.rdb
}

// openEncoder builds the embedding model behind the key/value cache
func (a *app) openEncoder() error {
	var kv kvstore.Store
	switch a.cfg.Cache.Backend {
	case config.BackendMemory:
		kv = kvstore.NewMemoryStore(a.cfg.Cache.Size, a.cfg.Cache.TTL.D())
	case config.BackendRedis:
		kv = kvstore.NewRedisStore(a.redisClient())
	}

	ec := a.cfg.Embedding
	model, err := embedder.New(embedder.Config{
		Provider:      ec.Provider,
		APIKey:        ec.APIKey,
		BaseURL:       ec.BaseURL,
		Model:         ec.Model,
		Dimension:     ec.NativeDim,
		BatchSize:     ec.BatchSize,
		RatePerSecond: ec.RatePerSecond,
		Timeout:       ec.Timeout.D(),
	})
	if err != nil {
		return types.InvalidInputf("embedding: %v", err)
	}
	if model.Dimension() < ec.Dimension {
		return types.InvalidInputf("embedding model %s returns %d dimensions, below the configured %d",
			model.Model(), model.Dimension(), ec.Dimension)
	}

	a.encoder, err = embedder.NewCache(model, kv, embedder.CacheConfig{
		Namespace:       a.cfg.Cache.Namespace,
		Dimension:       ec.Dimension,
		TTL:             a.cfg.Cache.TTL.D(),
		MaxCharsPerText: ec.MaxChars,
		QueryPrefix:     ec.QueryPrefix,
		DocPrefix:       ec.DocPrefix,
		StoreTimeout:    a.cfg.Cache.Timeout.D(),
		ModelTimeout:    ec.Timeout.D(),
		MaxConcurrent:   ec.MaxConcurrent,
	}, a.logger)
	return err
}

func (a *app) openVectors(ctx context.Context) error {
	var backend vectorindex.Backend
	switch a.cfg.Vector.Backend {
	case config.BackendNone:
		a.logger.Info("vector backend disabled; semantic search unavailable")
		return nil
	case config.BackendSQLite:
		b, err := vectorindex.NewSQLiteBackend(ctx, a.sqlite.DB())
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
		}
		backend = b
	case config.BackendRedis:
		backend = vectorindex.NewRedisBackend(a.redisClient())
	case config.BackendQdrant:
		b, err := vectorindex.DialQdrant(a.cfg.Vector.QdrantAddr)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
		}
		backend = b
	case config.BackendPGVector:
		if err := a.openPostgres(ctx); err != nil {
			return err
		}
		backend = vectorindex.NewPGVectorBackend(a.pg.Pool())
	}

	metric, err := vectorindex.ParseMetric(a.cfg.Vector.Metric)
	if err != nil {
		return types.InvalidInputf("%v", err)
	}
	m, err := vectorindex.NewManager(backend, vectorindex.IndexSpec{
		Name:   a.cfg.Vector.IndexName,
		Prefix: a.cfg.Vector.Prefix,
		Dim:    a.cfg.Embedding.Dimension,
		Metric: metric,
	}, vectorindex.Options{
		Timeout:           a.cfg.Vector.Timeout.D(),
		UpsertConcurrency: a.cfg.Vector.UpsertConcurrency,
		Logger:            a.logger,
	})
	if err != nil {
		_ = backend.Close()
		return err
	}
	a.vectors = m
	a.closers = append(a.closers, m.Close)
	return nil
}

// requireIndexer reports why writes are unavailable
func (a *app) requireIndexer() error {
	if a.indexer == nil {
		return fmt.Errorf("%w: ingestion needs sqlite storage; %s deployments are written upstream",
			types.ErrConfigurationMissing, a.cfg.Storage.Backend)
	}
	return nil
}

// Close releases backends in reverse order of opening
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
