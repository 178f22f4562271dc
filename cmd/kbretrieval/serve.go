package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/mcp"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		Long: `Start the Model Context Protocol server for AI assistant integration.

The server speaks JSON-RPC over stdin/stdout; logs go to stderr.

Client configuration:
  {
    "mcpServers": {
      "kb": {
        "command": "/path/to/kbretrieval",
        "args": ["serve", "--config", "/path/to/kbretrieval.toml"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var ingester mcp.Ingester
			if a.indexer != nil {
				ingester = a.indexer
			}
			mcp.ServerVersion = version
			server, err := mcp.NewServer(a.searcher, ingester, mcp.Options{
				UserID: opts.cfg.UserID,
				Logger: opts.logger,
			})
			if err != nil {
				return err
			}

			err = server.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				opts.logger.Info("mcp server stopped")
				return nil
			}
			return err
		},
	}
}
