package vectorindex

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis answers Do by command name
type fakeRedis struct {
	replies map[string]interface{}
	errs    map[string]error
	calls   [][]interface{}
	hset    map[string][]interface{}
	deleted []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		replies: map[string]interface{}{},
		errs:    map[string]error{},
		hset:    map[string][]interface{}{},
	}
}

func (f *fakeRedis) Do(ctx context.Context, args ...interface{}) *redis.Cmd {
	f.calls = append(f.calls, args)
	cmd := redis.NewCmd(ctx, args...)
	name, _ := args[0].(string)
	if err, ok := f.errs[name]; ok {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(f.replies[name])
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.hset[key] = values
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.deleted = append(f.deleted, keys...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func TestRedis_IndexExists(t *testing.T) {
	rdb := newFakeRedis()
	b := NewRedisBackend(rdb)

	rdb.replies["FT.INFO"] = []interface{}{"index_name", "kb_chunks"}
	ok, err := b.IndexExists(context.Background(), testSpec(4))
	require.NoError(t, err)
	assert.True(t, ok)

	rdb.errs["FT.INFO"] = errors.New("Unknown Index name")
	ok, err = b.IndexExists(context.Background(), testSpec(4))
	require.NoError(t, err)
	assert.False(t, ok)

	rdb.errs["FT.INFO"] = errors.New("dial tcp: connection refused")
	_, err = b.IndexExists(context.Background(), testSpec(4))
	assert.Error(t, err)
}

func TestRedis_CreateIndex(t *testing.T) {
	rdb := newFakeRedis()
	b := NewRedisBackend(rdb)

	require.NoError(t, b.CreateIndex(context.Background(), testSpec(4)))

	rdb.errs["FT.CREATE"] = errors.New("Index already exists")
	assert.ErrorIs(t, b.CreateIndex(context.Background(), testSpec(4)), ErrIndexExists)
}

func TestCreateArgs(t *testing.T) {
	spec := IndexSpec{Name: "kb_chunks", Prefix: "chunk:", Dim: 768, Metric: MetricL2}
	args := createArgs(spec)

	assert.Equal(t, []interface{}{"FT.CREATE", "kb_chunks", "ON", "HASH", "PREFIX", 1, "chunk:"}, args[:7])
	assert.Contains(t, args, "HNSW")
	assert.Contains(t, args, 768)
	assert.Equal(t, "L2", args[len(args)-1])

	spec.Prefix = ""
	assert.NotContains(t, createArgs(spec), "PREFIX")
}

func TestKNNArgs(t *testing.T) {
	args := knnArgs(testSpec(4), []float32{1, 0, 0, 0}, 7, Filter{})
	assert.Equal(t, "(*)=>[KNN $k @vector $vec AS __dist]", args[2])
	assert.Equal(t, 7, args[6])
	assert.Equal(t, 2, args[len(args)-1])

	args = knnArgs(testSpec(4), []float32{1, 0, 0, 0}, 7, Filter{DocID: "doc-1"})
	assert.Equal(t, `(@doc_id:{doc\-1})=>[KNN $k @vector $vec AS __dist]`, args[2])

	args = knnArgs(testSpec(4), []float32{1, 0, 0, 0}, 7, Filter{UserID: "u-1", PathPrefix: "/work/"})
	assert.Equal(t, `(@user_id:{u\-1} @scope:{\/work})=>[KNN $k @vector $vec AS __dist]`, args[2])

	// The root prefix is not a filter
	args = knnArgs(testSpec(4), []float32{1, 0, 0, 0}, 7, Filter{UserID: "u1", PathPrefix: "/"})
	assert.Equal(t, `(@user_id:{u1})=>[KNN $k @vector $vec AS __dist]`, args[2])
}

func TestCreateArgs_OwnerFields(t *testing.T) {
	args := createArgs(testSpec(4))
	assert.Contains(t, args, "user_id")
	assert.Contains(t, args, "scope")
	assert.Contains(t, args, scopeSeparator)
}

func TestEscapeTag(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc_123", "abc_123"},
		{"a-b", `a\-b`},
		{"550e8400-e29b", `550e8400\-e29b`},
		{"x y.z", `x\ y\.z`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeTag(tt.in))
		})
	}
}

func TestParseSearchReply_RESP2(t *testing.T) {
	reply := []interface{}{
		int64(2),
		"chunk:doc-1:0", []interface{}{"doc_id", "doc-1", "position", "0", "text", "alpha", "__dist", "0.1"},
		"chunk:doc-1:1", []interface{}{"doc_id", "doc-1", "position", "1", "text", "beta", "__dist", "0.3"},
	}
	docs, err := parseSearchReply(reply)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "chunk:doc-1:1", docs[1].key)
	assert.Equal(t, "beta", docs[1].fields["text"])

	// NOCONTENT replies carry keys only
	docs, err = parseSearchReply([]interface{}{int64(2), "k1", "k2"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "k2", docs[1].key)

	_, err = parseSearchReply("bogus")
	assert.Error(t, err)
}

func TestParseSearchReply_RESP3(t *testing.T) {
	reply := map[interface{}]interface{}{
		"total_results": int64(1),
		"results": []interface{}{
			map[interface{}]interface{}{
				"id": "chunk:doc-1:0",
				"extra_attributes": map[interface{}]interface{}{
					"doc_id": "doc-1", "position": "0", "__dist": "0.2",
				},
			},
		},
	}
	docs, err := parseSearchReply(reply)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "0.2", docs[0].fields["__dist"])
}

func TestRedis_KNN(t *testing.T) {
	rdb := newFakeRedis()
	rdb.replies["FT.SEARCH"] = []interface{}{
		int64(3),
		"chunk:doc-1:0", []interface{}{"doc_id", "doc-1", "position", "0", "text", "alpha", "__dist", "0.1"},
		"chunk:doc-2:4", []interface{}{"text", "beta", "__dist", "0.3"},
		"chunk:doc-3:0", []interface{}{"doc_id", "doc-3", "__dist", "nan?"},
	}
	b := NewRedisBackend(rdb)

	hits, err := b.KNN(context.Background(), testSpec(4), []float32{1, 0, 0, 0}, 3, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "doc-1", hits[0].DocID)
	assert.Equal(t, "doc-2", hits[1].DocID)
	assert.Equal(t, 4, hits[1].Position)
	assert.InDelta(t, 0.3, hits[1].Distance, 1e-9)
}

func TestRedis_DeleteDocument(t *testing.T) {
	rdb := newFakeRedis()
	rdb.replies["FT.SEARCH"] = []interface{}{int64(2), "chunk:doc-1:0", "chunk:doc-1:1"}
	b := NewRedisBackend(rdb)

	n, err := b.DeleteDocument(context.Background(), testSpec(4), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"chunk:doc-1:0", "chunk:doc-1:1"}, rdb.deleted)

	rdb.replies["FT.SEARCH"] = []interface{}{int64(0)}
	n, err = b.DeleteDocument(context.Background(), testSpec(4), "doc-2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedis_UpsertRecord(t *testing.T) {
	rdb := newFakeRedis()
	b := NewRedisBackend(rdb)

	rec := Record{DocID: "doc-1", UserID: "u1", Path: "/a/b.md", Position: 3, Text: "x", Vector: []float32{1, 0, 0, 0}}
	require.NoError(t, b.UpsertRecord(context.Background(), testSpec(4), "chunk:doc-1:3", rec))
	values := rdb.hset["chunk:doc-1:3"]
	require.Len(t, values, 14)
	assert.Equal(t, "doc-1", values[1])
	assert.Equal(t, "u1", values[3])
	assert.Equal(t, "/a/b.md", values[5])
	assert.Equal(t, "/a|/a/b.md", values[7])
	assert.Len(t, values[13], 16)
}
