package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/kbretrieval/internal/cues"
	"github.com/dshills/kbretrieval/internal/indexer"
	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/searcher"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeConfiguration      = -32001 // A required backend is not configured
	ErrorCodeBackendUnavailable = -32002 // A store or model could not be reached
)

// tree_list output formats
const (
	formatTree     = "tree"
	formatMarkdown = "markdown"
	formatFlat     = "flat"
)

// handleSearch returns the handler for one of the three search tools
func (s *Server) handleSearch(mode searcher.Mode) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := arguments(request)
		if err != nil {
			return nil, err
		}

		req := searcher.Request{
			UserID:     s.userID(args),
			Query:      getStringDefault(args, "query", ""),
			TopK:       getIntDefault(args, "top_k", 0),
			PathPrefix: getStringDefault(args, "path_prefix", ""),
			Mode:       mode,
		}
		if v, ok := args["rerank"].(bool); ok && mode == searcher.ModeHybrid {
			req.Rerank = &v
		}

		resp, err := s.retriever.Search(ctx, req)
		if err != nil {
			return nil, s.toolError(request.Params.Name, err)
		}

		response := map[string]interface{}{
			"mode":        resp.Mode,
			"count":       len(resp.Results),
			"results":     nonNil(resp.Results),
			"reranked":    resp.Reranked,
			"cache_hit":   resp.CacheHit,
			"duration_ms": resp.Duration.Milliseconds(),
		}
		if len(resp.Degraded) > 0 {
			response["degraded"] = resp.Degraded
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}
}

// handleFileSnippets handles the file_snippets tool invocation
func (s *Server) handleFileSnippets(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query := getStringDefault(args, "query", "")
	topK := getIntDefault(args, "top_k", 0)

	var inline []searcher.InlineDoc
	if err := decodeArg(args, "documents", &inline); err != nil {
		return nil, err
	}
	ids, err := getStringSlice(args, "document_ids")
	if err != nil {
		return nil, err
	}
	if len(inline) > 0 && len(ids) > 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "documents and document_ids are mutually exclusive", nil)
	}

	var results []types.RetrievalResult
	if len(inline) > 0 {
		results, err = s.retriever.SearchInline(ctx, query, inline, topK)
	} else {
		results, err = s.retriever.FetchSnippets(ctx, searcher.SnippetRequest{
			UserID:      s.userID(args),
			Query:       query,
			DocumentIDs: ids,
			TopK:        topK,
		})
	}
	if err != nil {
		return nil, s.toolError(ToolFileSnippets, err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"count":   len(results),
		"results": nonNil(results),
	})), nil
}

// handleTreeList handles the tree_list tool invocation
func (s *Server) handleTreeList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	format := getStringDefault(args, "format", formatTree)
	if format != formatTree && format != formatMarkdown && format != formatFlat {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid format", map[string]interface{}{
			"param":   "format",
			"value":   format,
			"allowed": []string{formatTree, formatMarkdown, formatFlat},
		})
	}

	res, err := s.retriever.TreeList(ctx, searcher.TreeRequest{
		UserID:       s.userID(args),
		RootPath:     getStringDefault(args, "root_path", ""),
		FolderID:     getStringDefault(args, "folder_id", ""),
		Depth:        getIntDefault(args, "max_depth", 0),
		Limit:        getIntDefault(args, "limit", 0),
		IncludeFiles: getBoolDefault(args, "include_files", true),
	})
	if err != nil {
		return nil, s.toolError(ToolTreeList, err)
	}

	switch format {
	case formatMarkdown:
		return mcp.NewToolResultText(pathtree.Render(res.Root, pathtree.Heading("Files", res.Prefix, res.Depth))), nil
	case formatFlat:
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"prefix":    res.Prefix,
			"depth":     res.Depth,
			"truncated": res.Truncated,
			"entries":   pathtree.Flatten(res.Root),
		})), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"prefix":    res.Prefix,
		"depth":     res.Depth,
		"rows":      res.Rows,
		"truncated": res.Truncated,
		"root":      res.Root,
	})), nil
}

// handleNormalizeCues handles the normalize_cues tool invocation
func (s *Server) handleNormalizeCues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	if _, ok := args["cues"]; !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "cues parameter is required", map[string]interface{}{
			"param":  "cues",
			"reason": "missing",
		})
	}

	var input []cues.Cue
	if err := decodeArg(args, "cues", &input); err != nil {
		return nil, err
	}
	cfg := s.opts.Cues
	if v, ok := args["min_duration_ms"].(float64); ok {
		cfg.MinDurationMs = v
	}
	if v, ok := args["merge_gap_ms"].(float64); ok {
		cfg.MergeGapMs = v
	}

	segments := cues.Normalize(input, cfg)
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"count":    len(segments),
		"segments": segments,
	})), nil
}

// handleIngestDocument handles the ingest_document tool invocation
func (s *Server) handleIngestDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}

	markdown := getStringDefault(args, "markdown", "")
	res, err := s.ingester.Ingest(ctx, indexer.Document{
		UserID:   s.userID(args),
		Path:     path,
		Name:     getStringDefault(args, "name", ""),
		Kind:     types.Kind(getStringDefault(args, "kind", string(types.KindItem))),
		MimeType: getStringDefault(args, "mime_type", "text/markdown"),
		Markdown: markdown,
		Size:     int64(len(markdown)),
		Force:    getBoolDefault(args, "force", false),
	})
	if err != nil {
		return nil, s.toolError(ToolIngestDocument, err)
	}

	response := map[string]interface{}{
		"document_id": res.DocumentID,
		"version":     res.Version,
		"chunks":      res.Chunks,
		"indexed":     res.Indexed,
		"unchanged":   res.Unchanged,
	}
	if res.ContentID != "" {
		response["content_id"] = res.ContentID
	}
	if res.FailedVectors > 0 {
		response["failed_vectors"] = res.FailedVectors
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

func (s *Server) userID(args map[string]interface{}) string {
	return getStringDefault(args, "user_id", s.opts.UserID)
}

// toolError maps a typed error to an MCP error code
func (s *Server) toolError(tool string, err error) error {
	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, types.ErrInvalidInput), errors.Is(err, storage.ErrNotFound):
		code = ErrorCodeInvalidParams
	case errors.Is(err, types.ErrConfigurationMissing):
		code = ErrorCodeConfiguration
	case errors.Is(err, types.ErrBackendUnavailable):
		code = ErrorCodeBackendUnavailable
	}
	if code != ErrorCodeInvalidParams {
		s.logger.Warn("tool call failed", "tool", tool, "code", code, "error", err)
	}
	return newMCPError(code, tool+" failed", map[string]interface{}{
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	if m, ok := e.Data.(map[string]interface{}); ok {
		if detail, ok := m["error"].(string); ok {
			return fmt.Sprintf("MCP error %d: %s: %s", e.Code, e.Message, detail)
		}
	}
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

func nonNil(results []types.RetrievalResult) []types.RetrievalResult {
	if results == nil {
		return []types.RetrievalResult{}
	}
	return results
}

// decodeArg re-encodes a structured argument into dst
func decodeArg(args map[string]interface{}, key string, dst interface{}) error {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err == nil {
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		return newMCPError(ErrorCodeInvalidParams, "invalid "+key, map[string]interface{}{
			"param":  key,
			"reason": err.Error(),
		})
	}
	return nil
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}

func getStringSlice(args map[string]interface{}, key string) ([]string, error) {
	var out []string
	if err := decodeArg(args, key, &out); err != nil {
		return nil, err
	}
	return out, nil
}
