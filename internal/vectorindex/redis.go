package vectorindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/kbretrieval/internal/vecmath"
)

// RedisClient is the subset of *redis.Client the RediSearch backend uses
type RedisClient interface {
	Do(ctx context.Context, args ...interface{}) *redis.Cmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const (
	distField       = "__dist"
	deleteBatchSize = 10000
	scopeSeparator  = "|"
)

// RedisBackend keeps records as hashes indexed by a RediSearch HNSW index
type RedisBackend struct {
	rdb RedisClient
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps an existing client; the caller owns its lifecycle
func NewRedisBackend(rdb RedisClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) IndexExists(ctx context.Context, spec IndexSpec) (bool, error) {
	err := b.rdb.Do(ctx, "FT.INFO", spec.Name).Err()
	if err == nil {
		return true, nil
	}
	if isUnknownIndex(err) {
		return false, nil
	}
	return false, err
}

func (b *RedisBackend) CreateIndex(ctx context.Context, spec IndexSpec) error {
	err := b.rdb.Do(ctx, createArgs(spec)...).Err()
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return ErrIndexExists
	}
	return err
}

func createArgs(spec IndexSpec) []interface{} {
	args := []interface{}{"FT.CREATE", spec.Name, "ON", "HASH"}
	if spec.Prefix != "" {
		args = append(args, "PREFIX", 1, spec.Prefix)
	}
	return append(args,
		"SCHEMA",
		"doc_id", "TAG",
		"user_id", "TAG",
		"scope", "TAG", "SEPARATOR", scopeSeparator,
		"path", "TEXT", "NOINDEX",
		"position", "NUMERIC", "SORTABLE",
		"text", "TEXT",
		"vector", "VECTOR", "HNSW", 6,
		"TYPE", "FLOAT32",
		"DIM", spec.Dim,
		"DISTANCE_METRIC", redisMetric(spec.Metric),
	)
}

func redisMetric(m Metric) string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricIP:
		return "IP"
	default:
		return "COSINE"
	}
}

func (b *RedisBackend) UpsertRecord(ctx context.Context, _ IndexSpec, key string, rec Record) error {
	return b.rdb.HSet(ctx, key,
		"doc_id", rec.DocID,
		"user_id", rec.UserID,
		"path", rec.Path,
		"scope", strings.Join(Scopes(rec.Path), scopeSeparator),
		"position", rec.Position,
		"text", rec.Text,
		"vector", vecmath.Encode(rec.Vector),
	).Err()
}

func (b *RedisBackend) KNN(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
	reply, err := b.rdb.Do(ctx, knnArgs(spec, vector, k, filter)...).Result()
	if err != nil {
		return nil, err
	}
	docs, err := parseSearchReply(reply)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		h := Hit{Key: d.key, DocID: d.fields["doc_id"], Text: d.fields["text"]}
		if h.DocID == "" {
			h.DocID, h.Position, _ = spec.ParseKey(d.key)
		} else {
			h.Position, _ = strconv.Atoi(d.fields["position"])
		}
		h.Distance, err = strconv.ParseFloat(d.fields[distField], 64)
		if err != nil {
			continue
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// redisFilter builds the pre-filter of a hybrid KNN query
func redisFilter(filter Filter) string {
	var parts []string
	if filter.UserID != "" {
		parts = append(parts, "@user_id:{"+escapeTag(filter.UserID)+"}")
	}
	if filter.DocID != "" {
		parts = append(parts, "@doc_id:{"+escapeTag(filter.DocID)+"}")
	}
	if prefix := filter.Prefix(); prefix != "" {
		parts = append(parts, "@scope:{"+escapeTag(prefix)+"}")
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

func knnArgs(spec IndexSpec, vector []float32, k int, filter Filter) []interface{} {
	query := fmt.Sprintf("(%s)=>[KNN $k @vector $vec AS %s]", redisFilter(filter), distField)
	return []interface{}{
		"FT.SEARCH", spec.Name, query,
		"PARAMS", 4, "k", k, "vec", vecmath.Encode(vector),
		"SORTBY", distField, "ASC",
		"RETURN", 4, "doc_id", "position", "text", distField,
		"LIMIT", 0, k,
		"DIALECT", 2,
	}
}

func (b *RedisBackend) DeleteDocument(ctx context.Context, spec IndexSpec, docID string) (int, error) {
	reply, err := b.rdb.Do(ctx,
		"FT.SEARCH", spec.Name, "@doc_id:{"+escapeTag(docID)+"}",
		"NOCONTENT", "LIMIT", 0, deleteBatchSize, "DIALECT", 2,
	).Result()
	if err != nil {
		return 0, err
	}
	docs, err := parseSearchReply(reply)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.key
	}
	n, err := b.rdb.Del(ctx, keys...).Result()
	return int(n), err
}

// Close is a no-op; the client belongs to the caller
func (b *RedisBackend) Close() error {
	return nil
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}

// escapeTag backslash-escapes everything but letters, digits and
// underscore, as TAG query syntax requires
func escapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type searchDoc struct {
	key    string
	fields map[string]string
}

// parseSearchReply reads an FT.SEARCH reply in either RESP2 form
// ([total, key, [field, value, ...], ...] or [total, key, key, ...] with
// NOCONTENT) or RESP3 form (a map with a "results" list)
func parseSearchReply(reply interface{}) ([]searchDoc, error) {
	switch r := reply.(type) {
	case []interface{}:
		return parseRESP2(r)
	case map[interface{}]interface{}:
		return parseRESP3(r)
	}
	return nil, fmt.Errorf("unexpected FT.SEARCH reply %T", reply)
}

func parseRESP2(r []interface{}) ([]searchDoc, error) {
	if len(r) == 0 {
		return nil, fmt.Errorf("empty FT.SEARCH reply")
	}
	var docs []searchDoc
	for i := 1; i < len(r); i++ {
		key, ok := r[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %T in FT.SEARCH reply", r[i])
		}
		doc := searchDoc{key: key, fields: map[string]string{}}
		if i+1 < len(r) {
			if pairs, ok := r[i+1].([]interface{}); ok {
				for j := 0; j+1 < len(pairs); j += 2 {
					doc.fields[toString(pairs[j])] = toString(pairs[j+1])
				}
				i++
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func parseRESP3(r map[interface{}]interface{}) ([]searchDoc, error) {
	results, ok := r["results"].([]interface{})
	if !ok {
		return nil, nil
	}
	docs := make([]searchDoc, 0, len(results))
	for _, item := range results {
		m, ok := item.(map[interface{}]interface{})
		if !ok {
			return nil, fmt.Errorf("unexpected result %T in FT.SEARCH reply", item)
		}
		doc := searchDoc{key: toString(m["id"]), fields: map[string]string{}}
		if attrs, ok := m["extra_attributes"].(map[interface{}]interface{}); ok {
			for k, v := range attrs {
				doc.fields[toString(k)] = toString(v)
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
