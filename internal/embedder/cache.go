package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/dshills/kbretrieval/internal/kvstore"
	"github.com/dshills/kbretrieval/internal/vecmath"
	"github.com/dshills/kbretrieval/pkg/types"
)

// Cache defaults
const (
	DefaultNamespace       = "emb:v1"
	DefaultDimension       = 256
	DefaultTTL             = 7 * 24 * time.Hour
	DefaultMaxCharsPerText = 8000
	DefaultQueryPrefix     = "query: "
	DefaultStoreTimeout    = 500 * time.Millisecond
	DefaultModelTimeout    = 30 * time.Second
	DefaultMaxConcurrent   = 4
)

// CacheConfig configures the embedding cache
type CacheConfig struct {
	Namespace       string
	Dimension       int // Target dimension after crop-and-renormalize
	TTL             time.Duration
	MaxCharsPerText int
	QueryPrefix     string
	DocPrefix       string
	StoreTimeout    time.Duration
	ModelTimeout    time.Duration
	MaxConcurrent   int64 // Concurrent model calls
}

// DefaultCacheConfig returns the production defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Namespace:       DefaultNamespace,
		Dimension:       DefaultDimension,
		TTL:             DefaultTTL,
		MaxCharsPerText: DefaultMaxCharsPerText,
		QueryPrefix:     DefaultQueryPrefix,
		StoreTimeout:    DefaultStoreTimeout,
		ModelTimeout:    DefaultModelTimeout,
		MaxConcurrent:   DefaultMaxConcurrent,
	}
}

// Cache wraps an Embedder with a content-addressed key/value cache and
// reduces every vector to a fixed dimension.
type Cache struct {
	model  Embedder
	store  kvstore.Store // Nullable - nil disables caching
	cfg    CacheConfig
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewCache creates an embedding cache. store may be nil.
func NewCache(model Embedder, store kvstore.Store, cfg CacheConfig, logger *slog.Logger) (*Cache, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: embedding model", types.ErrConfigurationMissing)
	}
	def := DefaultCacheConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxCharsPerText <= 0 {
		cfg.MaxCharsPerText = def.MaxCharsPerText
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = def.ModelTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		model:  model,
		store:  store,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}, nil
}

// Dimension returns the fixed output dimension
func (c *Cache) Dimension() int {
	return c.cfg.Dimension
}

// Key returns the cache key for text under usage
func (c *Cache) Key(text string, usage Usage) string {
	return c.cfg.Namespace + ":" + string(usage) + ":" + ComputeHash(c.prepare(text, usage))
}

func (c *Cache) truncate(text string) string {
	if utf8.RuneCountInString(text) <= c.cfg.MaxCharsPerText {
		return text
	}
	r := []rune(text)
	return string(r[:c.cfg.MaxCharsPerText])
}

const emptyStandIn = " "

func (c *Cache) prepare(text string, usage Usage) string {
	text = c.truncate(text)
	if usage == UsageQuery {
		return c.cfg.QueryPrefix + text
	}
	return c.cfg.DocPrefix + text
}

// Encode returns one unit vector of the configured dimension per text, in
// input order. Cache read and write failures only cost recomputation; a
// model failure fails the whole call.
func (c *Cache) Encode(ctx context.Context, texts []string, usage Usage) ([][]float32, error) {
	if _, err := ParseUsage(string(usage)); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.Key(t, usage)
	}

	out := make([][]float32, len(texts))
	c.readCached(ctx, keys, out)

	// Deduplicate misses so each distinct text is encoded once
	missIdx := make(map[string][]int)
	var missKeys []string
	var missTexts []string
	for i, v := range out {
		if v != nil {
			continue
		}
		if _, seen := missIdx[keys[i]]; !seen {
			text := c.prepare(texts[i], usage)
			if text == "" {
				text = emptyStandIn // Providers reject empty input
			}
			missKeys = append(missKeys, keys[i])
			missTexts = append(missTexts, text)
		}
		missIdx[keys[i]] = append(missIdx[keys[i]], i)
	}

	if len(missTexts) > 0 {
		vectors, err := c.compute(ctx, missTexts, usage)
		if err != nil {
			return nil, err
		}

		entries := make([]kvstore.Entry, len(missKeys))
		for j, key := range missKeys {
			entries[j] = kvstore.Entry{Key: key, Value: vecmath.Encode(vectors[j])}
			for n, i := range missIdx[key] {
				if n == 0 {
					out[i] = vectors[j]
				} else {
					out[i] = append([]float32(nil), vectors[j]...)
				}
			}
		}
		c.writeBack(ctx, entries)
	}

	c.logger.Debug("embeddings encoded",
		"usage", usage,
		"texts", len(texts),
		"hits", len(texts)-countIndexes(missIdx),
		"computed", len(missTexts))
	return out, nil
}

func (c *Cache) readCached(ctx context.Context, keys []string, out [][]float32) {
	if c.store == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	blobs, err := c.store.MGet(rctx, keys)
	if err != nil {
		c.logger.Warn("embedding cache read failed", "error", err)
		return
	}
	for i, blob := range blobs {
		if i >= len(out) || blob == nil {
			continue
		}
		if v, ok := vecmath.DecodeDim(blob, c.cfg.Dimension); ok {
			out[i] = v
		}
	}
}

func (c *Cache) compute(ctx context.Context, texts []string, usage Usage) ([][]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for model: %v", types.ErrBackendUnavailable, err)
	}
	defer c.sem.Release(1)

	mctx, cancel := context.WithTimeout(ctx, c.cfg.ModelTimeout)
	defer cancel()

	raw, err := c.model.Embed(mctx, texts, usage)
	if err != nil {
		return nil, fmt.Errorf("%w: embed %d texts: %w", types.ErrBackendUnavailable, len(texts), err)
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("%w: model returned %d vectors for %d texts", types.ErrBackendUnavailable, len(raw), len(texts))
	}

	vectors := make([][]float32, len(raw))
	for i, v := range raw {
		cropped, err := vecmath.CropNormalize(v, c.cfg.Dimension)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", types.ErrBackendUnavailable, c.model.Provider(), c.model.Model(), err)
		}
		vectors[i] = cropped
	}
	return vectors, nil
}

func (c *Cache) writeBack(ctx context.Context, entries []kvstore.Entry) {
	if c.store == nil || len(entries) == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
	defer cancel()

	if err := c.store.SetMany(wctx, entries, c.cfg.TTL); err != nil {
		var partial *types.PartialWriteError
		if errors.As(err, &partial) {
			c.logger.Warn("embedding cache write partially failed",
				"written", partial.Written, "failed", partial.Failed, "error", partial.Err)
			return
		}
		c.logger.Warn("embedding cache write failed", "entries", len(entries), "error", err)
	}
}

func countIndexes(m map[string][]int) int {
	n := 0
	for _, idx := range m {
		n += len(idx)
	}
	return n
}
