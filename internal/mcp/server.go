package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/kbretrieval/internal/cues"
	"github.com/dshills/kbretrieval/internal/indexer"
	"github.com/dshills/kbretrieval/internal/searcher"
	"github.com/dshills/kbretrieval/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "kbretrieval"
)

// ServerVersion is the reported server version, set by the binary
var ServerVersion = "dev"

// Retriever is the read side the tools call; *searcher.Searcher implements it
type Retriever interface {
	Search(ctx context.Context, req searcher.Request) (*searcher.Response, error)
	FetchSnippets(ctx context.Context, req searcher.SnippetRequest) ([]types.RetrievalResult, error)
	SearchInline(ctx context.Context, query string, docs []searcher.InlineDoc, topK int) ([]types.RetrievalResult, error)
	TreeList(ctx context.Context, req searcher.TreeRequest) (*searcher.TreeResult, error)
}

// Ingester stores documents; *indexer.Indexer implements it
type Ingester interface {
	Ingest(ctx context.Context, doc indexer.Document) (*indexer.Result, error)
}

// Options configures the server
type Options struct {
	UserID string     // Used when a call omits user_id
	Cues   cues.Config // Defaults for normalize_cues
	Logger *slog.Logger
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp       *server.MCPServer
	retriever Retriever
	ingester  Ingester // Nullable - ingest_document is not registered
	opts      Options
	logger    *slog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(retriever Retriever, ingester Ingester, opts Options) (*Server, error) {
	if retriever == nil {
		return nil, fmt.Errorf("%w: retriever", types.ErrConfigurationMissing)
	}
	if opts.Cues == (cues.Config{}) {
		opts.Cues = cues.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		retriever: retriever,
		ingester:  ingester,
		opts:      opts,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

// Serve runs the MCP protocol over the given streams until ctx is done
// or the input is closed
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio", "name", ServerName, "version", ServerVersion)
	return stdio.Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(hybridSearchTool(), s.handleSearch(searcher.ModeHybrid))
	s.mcp.AddTool(semanticSearchTool(), s.handleSearch(searcher.ModeSemantic))
	s.mcp.AddTool(lexicalSearchTool(), s.handleSearch(searcher.ModeLexical))
	s.mcp.AddTool(fileSnippetsTool(), s.handleFileSnippets)
	s.mcp.AddTool(treeListTool(), s.handleTreeList)
	s.mcp.AddTool(normalizeCuesTool(), s.handleNormalizeCues)

	if s.ingester != nil {
		s.mcp.AddTool(ingestDocumentTool(), s.handleIngestDocument)
	}
}
