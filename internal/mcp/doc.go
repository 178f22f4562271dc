// Package mcp implements the Model Context Protocol (MCP) server for the
// knowledge base.
//
// The server exposes retrieval over a user's documents to AI assistants:
//   - hybrid_search: semantic and full-text retrieval fused by reciprocal rank
//   - semantic_search: embedding similarity only
//   - lexical_search: full-text rank only
//   - file_snippets: passages inside chosen documents or inline markdown
//   - tree_list: the folder tree below a path, as JSON or markdown
//   - normalize_cues: merge raw caption cues into clean segments
//   - ingest_document: store and index a markdown document
//
// ingest_document is only registered when the server is given an Ingester.
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs go to stderr; stdout carries only protocol messages.
//
// # Tool: hybrid_search
//
//	Request:
//	{
//	  "name": "hybrid_search",
//	  "arguments": {
//	    "query": "quarterly budget review",
//	    "top_k": 5,
//	    "path_prefix": "/work"
//	  }
//	}
//
//	Response:
//	{
//	  "mode": "hybrid",
//	  "count": 5,
//	  "results": [
//	    {
//	      "chunk_id": "3f0c...",
//	      "document_id": "9a1e...",
//	      "document_path": "/work/finance/q3.md",
//	      "position": 2,
//	      "text": "Budget review notes...",
//	      "score": 0.0325,
//	      "score_kind": "fused"
//	    }
//	  ],
//	  "reranked": false,
//	  "cache_hit": false,
//	  "duration_ms": 41
//	}
//
// When one retrieval arm fails the response still succeeds and lists it
// under "degraded".
//
// # Tool: tree_list
//
//	Request:
//	{
//	  "name": "tree_list",
//	  "arguments": {"root_path": "/a", "max_depth": 2, "format": "markdown"}
//	}
//
//	Response:
//	## Files children (pathPrefix: /a, depth: 2)
//
//	- [dir] c (path: /a/c)
//	  - [item] d.txt (path: /a/c/d.txt, id: 2f1b..., fileSize: 120)
//	- [item] b.txt (path: /a/b.txt, id: 7d0e..., fileSize: 64)
//
// # Error Handling
//
// Failed calls return an MCPError whose code reflects the error kind:
//   - -32602: invalid parameters (empty query, negative depth, unknown folder)
//   - -32001: a required backend is not configured
//   - -32002: a store or model could not be reached
//   - -32603: anything else
//
// # Thread Safety
//
// Handlers hold no state of their own; concurrency limits live in the
// searcher and indexer.
package mcp
