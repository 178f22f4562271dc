// Package config loads kbretrieval configuration from defaults, an optional
// TOML file, a .env file and KBR_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/dshills/kbretrieval/internal/chunker"
	"github.com/dshills/kbretrieval/internal/embedder"
	"github.com/dshills/kbretrieval/internal/events"
	"github.com/dshills/kbretrieval/internal/searcher"
	"github.com/dshills/kbretrieval/internal/vectorindex"
	"github.com/dshills/kbretrieval/pkg/types"
)

// EnvConfigPath names the config file when --config is not given
const EnvConfigPath = "KBR_CONFIG"

// Backend names
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendQdrant   = "qdrant"
	BackendPGVector = "pgvector"
	BackendNone     = "none"
)

// Config holds all kbretrieval configuration
type Config struct {
	// Default user for CLI commands
	UserID string `toml:"user_id"`

	Log       LogConfig       `toml:"log"`
	Storage   StorageConfig   `toml:"storage"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Cache     CacheConfig     `toml:"cache"`
	Vector    VectorConfig    `toml:"vector"`
	Search    SearchConfig    `toml:"search"`
	Rerank    RerankConfig    `toml:"rerank"`
	Ingest    IngestConfig    `toml:"ingest"`
	NATS      NATSConfig      `toml:"nats"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

type StorageConfig struct {
	Backend string   `toml:"backend"` // sqlite or postgres
	Path    string   `toml:"path"`    // SQLite file
	DSN     string   `toml:"dsn"`     // Postgres connection string
	Timeout Duration `toml:"timeout"`
}

type EmbeddingConfig struct {
	Provider      string   `toml:"provider"` // local, openai, jina
	APIKey        string   `toml:"api_key"`
	BaseURL       string   `toml:"base_url"`
	Model         string   `toml:"model"`
	NativeDim     int      `toml:"native_dim"` // Model output; provider default when zero
	Dimension     int      `toml:"dimension"`  // After crop-and-renormalize
	BatchSize     int      `toml:"batch_size"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Timeout       Duration `toml:"timeout"`
	QueryPrefix   string   `toml:"query_prefix"`
	DocPrefix     string   `toml:"doc_prefix"`
	MaxChars      int      `toml:"max_chars"`
	MaxConcurrent int64    `toml:"max_concurrent"`
}

type CacheConfig struct {
	Backend   string   `toml:"backend"` // memory, redis, none
	Namespace string   `toml:"namespace"`
	Size      int      `toml:"size"` // Memory backend entries
	TTL       Duration `toml:"ttl"`
	Timeout   Duration `toml:"timeout"`
}

// RedisConfig is shared by the redis cache and vector backends
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type VectorConfig struct {
	Backend           string      `toml:"backend"` // sqlite, redis, qdrant, pgvector, none
	IndexName         string      `toml:"index_name"`
	Prefix            string      `toml:"prefix"`
	Metric            string      `toml:"metric"`
	QdrantAddr        string      `toml:"qdrant_addr"`
	Timeout           Duration    `toml:"timeout"`
	UpsertConcurrency int         `toml:"upsert_concurrency"`
	Redis             RedisConfig `toml:"redis"`
	// OwnerFilter scopes KNN queries by user and path inside the vector
	// store. Turn it off when records are written by a pipeline that does
	// not store owners; results are then scoped at hydration only.
	OwnerFilter bool `toml:"owner_filter"`
}

type SearchConfig struct {
	CandidateMultiplier int      `toml:"candidate_multiplier"`
	ArmTimeout          Duration `toml:"arm_timeout"`
	RRFConstant         float64  `toml:"rrf_k"`
	ChunkSize           int      `toml:"chunk_size"`
	ChunkOverlap        int      `toml:"chunk_overlap"`
	CacheSize           int      `toml:"cache_size"` // 0 disables the response cache
	CacheTTL            Duration `toml:"cache_ttl"`
}

type RerankConfig struct {
	Enabled bool     `toml:"enabled"`
	APIKey  string   `toml:"api_key"`
	BaseURL string   `toml:"base_url"`
	Model   string   `toml:"model"`
	Timeout Duration `toml:"timeout"`
}

type IngestConfig struct {
	Workers int `toml:"workers"`
}

type NATSConfig struct {
	URL        string   `toml:"url"`
	Subject    string   `toml:"subject"`
	Queue      string   `toml:"queue"`
	Timeout    Duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
}

// DefaultConfig returns a configuration that runs fully offline: SQLite
// storage and vectors, local embeddings, in-process cache
func DefaultConfig() *Config {
	sc := searcher.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "kbretrieval.db",
			Timeout: Duration(5 * time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider:      embedder.ProviderLocal,
			Dimension:     embedder.DefaultDimension,
			Timeout:       Duration(embedder.DefaultModelTimeout),
			QueryPrefix:   embedder.DefaultQueryPrefix,
			MaxChars:      embedder.DefaultMaxCharsPerText,
			MaxConcurrent: embedder.DefaultMaxConcurrent,
		},
		Cache: CacheConfig{
			Backend:   BackendMemory,
			Namespace: embedder.DefaultNamespace,
			Size:      10000,
			TTL:       Duration(embedder.DefaultTTL),
			Timeout:   Duration(embedder.DefaultStoreTimeout),
		},
		Vector: VectorConfig{
			Backend:           BackendSQLite,
			IndexName:         "kb_chunks",
			Prefix:            "chunk:",
			Metric:            string(vectorindex.MetricCosine),
			QdrantAddr:        "localhost:6334",
			Timeout:           Duration(2 * time.Second),
			UpsertConcurrency: 4,
			Redis:             RedisConfig{Addr: "localhost:6379"},
			OwnerFilter:       true,
		},
		Search: SearchConfig{
			CandidateMultiplier: sc.CandidateMultiplier,
			ArmTimeout:          Duration(sc.ArmTimeout),
			RRFConstant:         sc.RRFConstant,
			ChunkSize:           chunker.DefaultChunkSize,
			ChunkOverlap:        chunker.DefaultChunkOverlap,
			CacheSize:           256,
			CacheTTL:            Duration(sc.CacheTTL),
		},
		NATS: NATSConfig{
			URL:        "nats://127.0.0.1:4222",
			Subject:    events.DefaultSubject,
			Queue:      events.DefaultQueue,
			Timeout:    Duration(events.DefaultTimeout),
			MaxRetries: events.DefaultMaxRetries,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// KBR_CONFIG is consulted and a missing file means defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// Existing process environment wins over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return types.InvalidInputf("config %s: %v", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return types.InvalidInputf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate reports missing collaborators as ErrConfigurationMissing and
// out-of-range values as ErrInvalidInput
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return types.InvalidInputf("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path", types.ErrConfigurationMissing)
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn for postgres", types.ErrConfigurationMissing)
		}
	default:
		return types.InvalidInputf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.Embedding.Dimension <= 0 {
		return types.InvalidInputf("embedding.dimension must be > 0, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.NativeDim > 0 && c.Embedding.NativeDim < c.Embedding.Dimension {
		return types.InvalidInputf("embedding.native_dim %d is below dimension %d", c.Embedding.NativeDim, c.Embedding.Dimension)
	}
	switch c.Embedding.Provider {
	case embedder.ProviderLocal:
	case embedder.ProviderOpenAI, embedder.ProviderJina:
		if c.Embedding.APIKey == "" && c.Embedding.BaseURL == "" {
			return fmt.Errorf("%w: embedding.api_key for %s", types.ErrConfigurationMissing, c.Embedding.Provider)
		}
	default:
		return types.InvalidInputf("unknown embedding.provider %q", c.Embedding.Provider)
	}

	switch c.Cache.Backend {
	case BackendMemory, BackendNone:
	case BackendRedis:
		if c.Vector.Redis.Addr == "" {
			return fmt.Errorf("%w: vector.redis.addr for the redis cache", types.ErrConfigurationMissing)
		}
	default:
		return types.InvalidInputf("unknown cache.backend %q", c.Cache.Backend)
	}

	switch c.Vector.Backend {
	case BackendSQLite:
		if c.Storage.Backend != BackendSQLite {
			return types.InvalidInputf("vector.backend sqlite requires storage.backend sqlite")
		}
	case BackendRedis:
		if c.Vector.Redis.Addr == "" {
			return fmt.Errorf("%w: vector.redis.addr", types.ErrConfigurationMissing)
		}
	case BackendQdrant:
		if c.Vector.QdrantAddr == "" {
			return fmt.Errorf("%w: vector.qdrant_addr", types.ErrConfigurationMissing)
		}
	case BackendPGVector:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn for pgvector", types.ErrConfigurationMissing)
		}
	case BackendNone:
	default:
		return types.InvalidInputf("unknown vector.backend %q", c.Vector.Backend)
	}
	if _, err := vectorindex.ParseMetric(c.Vector.Metric); err != nil {
		return types.InvalidInputf("vector.metric: %v", err)
	}

	if c.Search.ChunkSize <= 0 {
		return types.InvalidInputf("search.chunk_size must be > 0, got %d", c.Search.ChunkSize)
	}
	if c.Search.ChunkOverlap < 0 || c.Search.ChunkOverlap >= c.Search.ChunkSize {
		return types.InvalidInputf("search.chunk_overlap %d must be in [0, %d)", c.Search.ChunkOverlap, c.Search.ChunkSize)
	}
	if c.Rerank.Enabled && c.Rerank.APIKey == "" && c.Rerank.BaseURL == "" {
		return fmt.Errorf("%w: rerank.api_key", types.ErrConfigurationMissing)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, types.InvalidInputf("log.level: %v", err)
	}
	return level, nil
}

// NewLogger builds the process logger. w is stderr in production.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Duration is a time.Duration that reads "5s" style strings from TOML
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}
