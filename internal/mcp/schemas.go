package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/searcher"
)

// Tool names
const (
	ToolHybridSearch   = "hybrid_search"
	ToolSemanticSearch = "semantic_search"
	ToolLexicalSearch  = "lexical_search"
	ToolFileSnippets   = "file_snippets"
	ToolTreeList       = "tree_list"
	ToolNormalizeCues  = "normalize_cues"
	ToolIngestDocument = "ingest_document"
)

func userIDProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Owner of the knowledge base (UUID). Defaults to the configured user",
	}
}

func topKProperty(def, max int) map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Maximum number of results to return",
		"default":     def,
		"minimum":     1,
		"maximum":     max,
	}
}

// searchTool returns the definition shared by the three search tools
func searchTool(name, description string, rerank bool) mcp.Tool {
	props := map[string]interface{}{
		"user_id": userIDProperty(),
		"query": map[string]interface{}{
			"type":        "string",
			"description": "Search query (natural language or keywords)",
		},
		"top_k": topKProperty(searcher.DefaultTopK, searcher.MaxTopK),
		"path_prefix": map[string]interface{}{
			"type":        "string",
			"description": "Only return chunks of documents below this path (e.g. '/work/projects')",
		},
	}
	if rerank {
		props["rerank"] = map[string]interface{}{
			"type":        "boolean",
			"description": "Rerank fused candidates with the cross-encoder when one is configured",
			"default":     true,
		}
	}
	return mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"query"},
		},
	}
}

func hybridSearchTool() mcp.Tool {
	return searchTool(ToolHybridSearch,
		"Search the knowledge base with semantic and full-text retrieval fused by reciprocal rank", true)
}

func semanticSearchTool() mcp.Tool {
	return searchTool(ToolSemanticSearch, "Search the knowledge base by embedding similarity only", false)
}

func lexicalSearchTool() mcp.Tool {
	return searchTool(ToolLexicalSearch, "Search the knowledge base by full-text rank only", false)
}

// fileSnippetsTool returns the tool definition for file_snippets
func fileSnippetsTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolFileSnippets,
		Description: "Find the passages most relevant to a query inside specific documents or inline markdown",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": userIDProperty(),
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What to look for inside the documents",
				},
				"document_ids": map[string]interface{}{
					"type":        "array",
					"description": "Stored documents to search",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
				"documents": map[string]interface{}{
					"type":        "array",
					"description": "Inline markdown documents to search instead of stored ones",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"id":       map[string]interface{}{"type": "string"},
							"markdown": map[string]interface{}{"type": "string"},
						},
						"required": []string{"markdown"},
					},
				},
				"top_k": topKProperty(searcher.DefaultFileTopK, searcher.MaxFileTopK),
			},
			Required: []string{"query"},
		},
	}
}

// treeListTool returns the tool definition for tree_list
func treeListTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolTreeList,
		Description: "List folders and documents below a path as a tree",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": userIDProperty(),
				"root_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to list from; empty lists the whole knowledge base",
				},
				"folder_id": map[string]interface{}{
					"type":        "string",
					"description": "Folder to list from; takes precedence over root_path",
				},
				"max_depth": map[string]interface{}{
					"type":        "integer",
					"description": "Levels below the root to include",
					"default":     pathtree.DefaultDepth,
					"minimum":     pathtree.MinDepth,
					"maximum":     pathtree.MaxDepth,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of documents to fetch",
					"default":     pathtree.DefaultLimit,
					"minimum":     pathtree.MinLimit,
					"maximum":     pathtree.MaxLimit,
				},
				"include_files": map[string]interface{}{
					"type":        "boolean",
					"description": "Include items, not only folders",
					"default":     true,
				},
				"format": map[string]interface{}{
					"type":        "string",
					"description": "Output format: tree (nested JSON), markdown (indented list), or flat (JSON rows)",
					"enum":        []string{formatTree, formatMarkdown, formatFlat},
					"default":     formatTree,
				},
			},
		},
	}
}

// normalizeCuesTool returns the tool definition for normalize_cues
func normalizeCuesTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolNormalizeCues,
		Description: "Merge raw caption or transcript cues into clean, non-overlapping segments",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"cues": map[string]interface{}{
					"type":        "array",
					"description": "Raw cues in any order",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"start_ms": map[string]interface{}{"type": []string{"number", "string"}},
							"end_ms":   map[string]interface{}{"type": []string{"number", "string"}},
							"text":     map[string]interface{}{"type": "string"},
						},
						"required": []string{"start_ms", "end_ms", "text"},
					},
				},
				"min_duration_ms": map[string]interface{}{
					"type":        "number",
					"description": "Shorter segments are extended to this length",
					"default":     300,
				},
				"merge_gap_ms": map[string]interface{}{
					"type":        "number",
					"description": "Cues closer than this with overlapping text are merged",
					"default":     250,
				},
			},
			Required: []string{"cues"},
		},
	}
}

// ingestDocumentTool returns the tool definition for ingest_document
func ingestDocumentTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolIngestDocument,
		Description: "Store a markdown document, chunk it and make it searchable",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": userIDProperty(),
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute document path (e.g. '/notes/meeting.md')",
				},
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Display name; defaults to the last path segment",
				},
				"kind": map[string]interface{}{
					"type":    "string",
					"enum":    []string{"item", "folder"},
					"default": "item",
				},
				"mime_type": map[string]interface{}{
					"type":    "string",
					"default": "text/markdown",
				},
				"markdown": map[string]interface{}{
					"type":        "string",
					"description": "Document body",
				},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "Re-index even when the content is unchanged",
					"default":     false,
				},
			},
			Required: []string{"path"},
		},
	}
}
