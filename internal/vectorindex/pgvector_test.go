package vectorindex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPGCreateSQL(t *testing.T) {
	spec := IndexSpec{Name: "kb_chunks", Dim: 1024, Metric: MetricCosine}
	ddl := pgCreateSQL(spec)

	assert.Contains(t, ddl, "CREATE EXTENSION IF NOT EXISTS vector")
	assert.Contains(t, ddl, `CREATE TABLE "kb_chunks"`)
	assert.Contains(t, ddl, "vector(1024)")
	assert.Contains(t, ddl, "USING hnsw (embedding vector_cosine_ops)")
	assert.Contains(t, ddl, `"kb_chunks_doc_idx"`)
	assert.Contains(t, ddl, "user_id text NOT NULL")
	assert.Contains(t, ddl, `"kb_chunks_user_idx"`)

	spec.Metric = MetricL2
	assert.Contains(t, pgCreateSQL(spec), "vector_l2_ops")
	spec.Metric = MetricIP
	assert.Contains(t, pgCreateSQL(spec), "vector_ip_ops")
}

func TestPGDistanceExpr(t *testing.T) {
	assert.Equal(t, "embedding <=> $1", pgDistanceExpr(MetricCosine, "$1"))
	assert.Equal(t, "embedding <-> $1", pgDistanceExpr(MetricL2, "$1"))
	assert.Equal(t, "1 + (embedding <#> $1)", pgDistanceExpr(MetricIP, "$1"))
}

func TestPGKNNSQL(t *testing.T) {
	spec := IndexSpec{Name: "kb_chunks", Dim: 4, Metric: MetricCosine}

	q, args := pgKNNSQL(spec, Filter{PathPrefix: "/"})
	assert.NotContains(t, q, "WHERE")
	assert.Empty(t, args)
	assert.True(t, strings.HasSuffix(q, "ORDER BY embedding <=> $1, record_key LIMIT $2"))

	q, args = pgKNNSQL(spec, Filter{DocID: "doc-1"})
	assert.Contains(t, q, `FROM "kb_chunks" WHERE doc_id = $3`)
	assert.Equal(t, []any{"doc-1"}, args)

	q, args = pgKNNSQL(spec, Filter{UserID: "u1", PathPrefix: "/my_notes"})
	assert.Contains(t, q, `WHERE user_id = $3 AND (path = $4 OR path LIKE $5) ORDER BY`)
	assert.Equal(t, []any{"u1", "/my_notes", `/my\_notes/%`}, args)
}
