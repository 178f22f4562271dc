package config

import (
	"strconv"
	"time"

	"github.com/dshills/kbretrieval/pkg/types"
)

// Conventional provider key variables, read when no key is configured
const (
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvCohereAPIKey = "COHERE_API_KEY"
)

type lookupFunc func(string) (string, bool)

type binding struct {
	name string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

func boolean(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

var bindings = []binding{
	{"KBR_USER_ID", str(func(c *Config) *string { return &c.UserID })},
	{"KBR_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"KBR_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},

	{"KBR_STORAGE_BACKEND", str(func(c *Config) *string { return &c.Storage.Backend })},
	{"KBR_DB_PATH", str(func(c *Config) *string { return &c.Storage.Path })},
	{"KBR_POSTGRES_DSN", str(func(c *Config) *string { return &c.Storage.DSN })},
	{"KBR_STORAGE_TIMEOUT", duration(func(c *Config) *Duration { return &c.Storage.Timeout })},

	{"KBR_EMBEDDING_PROVIDER", str(func(c *Config) *string { return &c.Embedding.Provider })},
	{"KBR_EMBEDDING_API_KEY", str(func(c *Config) *string { return &c.Embedding.APIKey })},
	{"KBR_EMBEDDING_BASE_URL", str(func(c *Config) *string { return &c.Embedding.BaseURL })},
	{"KBR_EMBEDDING_MODEL", str(func(c *Config) *string { return &c.Embedding.Model })},
	{"KBR_EMBEDDING_NATIVE_DIM", integer(func(c *Config) *int { return &c.Embedding.NativeDim })},
	{"KBR_EMBEDDING_DIM", integer(func(c *Config) *int { return &c.Embedding.Dimension })},
	{"KBR_EMBEDDING_TIMEOUT", duration(func(c *Config) *Duration { return &c.Embedding.Timeout })},
	{"KBR_QUERY_PREFIX", str(func(c *Config) *string { return &c.Embedding.QueryPrefix })},
	{"KBR_DOC_PREFIX", str(func(c *Config) *string { return &c.Embedding.DocPrefix })},

	{"KBR_CACHE_BACKEND", str(func(c *Config) *string { return &c.Cache.Backend })},
	{"KBR_CACHE_NAMESPACE", str(func(c *Config) *string { return &c.Cache.Namespace })},
	{"KBR_CACHE_TTL", duration(func(c *Config) *Duration { return &c.Cache.TTL })},
	{"KBR_CACHE_TIMEOUT", duration(func(c *Config) *Duration { return &c.Cache.Timeout })},

	{"KBR_VECTOR_BACKEND", str(func(c *Config) *string { return &c.Vector.Backend })},
	{"KBR_VECTOR_INDEX", str(func(c *Config) *string { return &c.Vector.IndexName })},
	{"KBR_VECTOR_METRIC", str(func(c *Config) *string { return &c.Vector.Metric })},
	{"KBR_VECTOR_TIMEOUT", duration(func(c *Config) *Duration { return &c.Vector.Timeout })},
	{"KBR_QDRANT_ADDR", str(func(c *Config) *string { return &c.Vector.QdrantAddr })},
	{"KBR_REDIS_ADDR", str(func(c *Config) *string { return &c.Vector.Redis.Addr })},
	{"KBR_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Vector.Redis.Password })},
	{"KBR_REDIS_DB", integer(func(c *Config) *int { return &c.Vector.Redis.DB })},
	{"KBR_VECTOR_OWNER_FILTER", boolean(func(c *Config) *bool { return &c.Vector.OwnerFilter })},

	{"KBR_ARM_TIMEOUT", duration(func(c *Config) *Duration { return &c.Search.ArmTimeout })},
	{"KBR_CHUNK_SIZE", integer(func(c *Config) *int { return &c.Search.ChunkSize })},
	{"KBR_CHUNK_OVERLAP", integer(func(c *Config) *int { return &c.Search.ChunkOverlap })},
	{"KBR_SEARCH_CACHE_SIZE", integer(func(c *Config) *int { return &c.Search.CacheSize })},

	{"KBR_RERANK_ENABLED", boolean(func(c *Config) *bool { return &c.Rerank.Enabled })},
	{"KBR_RERANK_API_KEY", str(func(c *Config) *string { return &c.Rerank.APIKey })},
	{"KBR_RERANK_BASE_URL", str(func(c *Config) *string { return &c.Rerank.BaseURL })},
	{"KBR_RERANK_MODEL", str(func(c *Config) *string { return &c.Rerank.Model })},

	{"KBR_INGEST_WORKERS", integer(func(c *Config) *int { return &c.Ingest.Workers })},

	{"KBR_NATS_URL", str(func(c *Config) *string { return &c.NATS.URL })},
	{"KBR_NATS_SUBJECT", str(func(c *Config) *string { return &c.NATS.Subject })},
	{"KBR_NATS_QUEUE", str(func(c *Config) *string { return &c.NATS.Queue })},
}

// applyEnv overlays KBR_* variables, then fills provider keys from their
// conventional variables
func (c *Config) applyEnv(lookup lookupFunc) error {
	for _, b := range bindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return types.InvalidInputf("%s: %v", b.name, err)
		}
	}

	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.APIKey, _ = lookup(EnvOpenAIAPIKey)
		case "jina":
			c.Embedding.APIKey, _ = lookup(EnvJinaAPIKey)
		}
	}
	if c.Rerank.APIKey == "" {
		for _, name := range []string{EnvJinaAPIKey, EnvCohereAPIKey} {
			if v, ok := lookup(name); ok && v != "" {
				c.Rerank.APIKey = v
				break
			}
		}
	}
	return nil
}
