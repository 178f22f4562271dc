// Package searcher is the single entry point for "find the most relevant
// chunks for this query" over one user's knowledge base.
//
// Three modes are supported:
//   - Hybrid: semantic and lexical arms run concurrently and are merged
//     with Reciprocal Rank Fusion (default)
//   - Semantic: the query is embedded and matched against the vector index,
//     then hits are hydrated through the relational store
//   - Lexical: ranked full-text search in the relational store
//
// # Basic Usage
//
//	s, err := searcher.New(store, cache, index, reranker, searcher.DefaultConfig())
//
//	resp, err := s.Search(ctx, searcher.Request{
//	    UserID:     userID,
//	    Query:      "quarterly budget",
//	    TopK:       10,
//	    PathPrefix: "/work",
//	})
//
// # Degradation
//
// Each arm runs under its own timeout. A failed or timed-out arm
// contributes no candidates and is named in Response.Degraded; when only
// one arm has results its list is returned unchanged. A failed rerank
// keeps the retrieval order. Invalid input and missing collaborators are
// the only errors Search returns.
//
// # Reciprocal Rank Fusion
//
//	rrf(chunk) = sum over arms of 1 / (k + rank)
//
// with k = 60. Ties are broken by best rank, then chunk id.
//
// # File-scoped search
//
// SearchDocument, FetchSnippets and SearchInline chunk document text on the
// fly and score chunks against the query directly, bypassing the vector
// index. They serve content that was never indexed.
//
// # Tree listing
//
// TreeList fetches the descendants of a path through the relational store
// and assembles them with package pathtree.
package searcher
