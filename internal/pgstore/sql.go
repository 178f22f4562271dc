package pgstore

import (
	"strconv"
	"strings"

	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/storage"
)

// args collects positional parameters and hands out their placeholders
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// chunkScope joins chunks to the latest live content of live documents
const chunkScope = `
	FROM document_chunk dc
	JOIN document_content dct ON dct.document_content_id = dc.document_content_id
	JOIN document d ON d.document_id = dct.document_id
	WHERE d.user_id = $1::uuid
	  AND d.deleted_at IS NULL
	  AND dct.deleted_at IS NULL
	  AND dc.deleted_at IS NULL
	  AND dct.version = (
		SELECT MAX(v.version) FROM document_content v
		WHERE v.document_id = d.document_id AND v.deleted_at IS NULL
	  )
`

const chunkColumns = `dc.document_chunk_id::text, d.document_id::text, dct.document_content_id::text,
	d.name, d.path::text, COALESCE(dc.position, 0), dct.version, dc.chunk_content`

// prefixClause limits d.path to the ltree subtree of a slash prefix.
// The root adds nothing.
func prefixClause(a *args, prefix string, self bool) string {
	label := pathtree.ToLtree(pathtree.NormalizePrefix(prefix))
	if label == "" {
		return ""
	}
	p := a.add(label)
	if self {
		return " AND d.path <@ " + p + "::ltree"
	}
	return " AND d.path <@ " + p + "::ltree AND d.path <> " + p + "::ltree"
}

func lexicalSQL(q storage.LexicalQuery) (string, []any) {
	a := args{q.UserID}
	query := a.add(q.Query)

	var b strings.Builder
	b.WriteString(`SELECT ` + chunkColumns + `,
	ts_rank(to_tsvector('simple', coalesce(dc.chunk_content, '')), plainto_tsquery('simple', ` + query + `)) AS rank`)
	b.WriteString(chunkScope)
	b.WriteString(`	  AND plainto_tsquery('simple', ` + query + `) @@ to_tsvector('simple', coalesce(dc.chunk_content, ''))`)
	b.WriteString(prefixClause(&a, q.PathPrefix, true))
	b.WriteString(`
	ORDER BY rank DESC, dct.version DESC, dc.position ASC NULLS FIRST, dc.document_chunk_id ASC
	LIMIT ` + a.add(q.Limit))
	return b.String(), a
}

func hydrateSQL(q storage.HydrateQuery) (string, []any) {
	ids := make([]string, 0, len(q.Refs))
	seen := make(map[string]struct{}, len(q.Refs))
	for _, ref := range q.Refs {
		if _, ok := seen[ref.DocumentID]; ok {
			continue
		}
		seen[ref.DocumentID] = struct{}{}
		ids = append(ids, ref.DocumentID)
	}

	a := args{q.UserID}
	var b strings.Builder
	b.WriteString(`SELECT ` + chunkColumns)
	b.WriteString(chunkScope)
	b.WriteString(`	  AND d.document_id::text = ANY(` + a.add(ids) + `)`)
	b.WriteString(prefixClause(&a, q.PathPrefix, true))
	return b.String(), a
}

const treeColumns = `d.document_id::text, d.path::text, d.name, d.kind::text, d.mime_type, d.file_size, d.updated_at`

func treeSQL(q storage.TreeQuery) (string, []any) {
	a := args{q.UserID}
	var b strings.Builder
	if q.Depth <= 0 {
		b.WriteString(`SELECT ` + treeColumns + `
	FROM document d
	WHERE d.user_id = $1::uuid AND d.deleted_at IS NULL`)
		b.WriteString(prefixClause(&a, q.Prefix, false))
		b.WriteString(`
	ORDER BY d.path
	LIMIT ` + a.add(pathtree.ClampLimit(q.Limit)))
		return b.String(), a
	}

	// Rows past the depth boundary collapse to the first row of each
	// subtree there so the limit only counts what can be shown
	label := pathtree.ToLtree(pathtree.NormalizePrefix(q.Prefix))
	levels := q.Depth
	if label != "" {
		levels += strings.Count(label, ".") + 1
	}
	n := a.add(levels)
	b.WriteString(`SELECT document_id, path, name, kind, mime_type, file_size, updated_at FROM (
	SELECT ` + treeColumns + `, d.path AS sort_path
	FROM document d
	WHERE d.user_id = $1::uuid AND d.deleted_at IS NULL`)
	b.WriteString(prefixClause(&a, q.Prefix, false))
	b.WriteString(` AND nlevel(d.path) <= ` + n + `
	UNION ALL
	(SELECT DISTINCT ON (subpath(d.path, 0, ` + n + `)) ` + treeColumns + `, d.path AS sort_path
	FROM document d
	WHERE d.user_id = $1::uuid AND d.deleted_at IS NULL`)
	b.WriteString(prefixClause(&a, q.Prefix, false))
	b.WriteString(` AND nlevel(d.path) > ` + n + `
	ORDER BY subpath(d.path, 0, ` + n + `), d.path)
	) t
	ORDER BY sort_path
	LIMIT ` + a.add(pathtree.ClampLimit(q.Limit)))
	return b.String(), a
}
