// Command kbretrieval serves and operates the knowledge base retrieval core:
// an MCP server over stdio, one-shot search and tree commands, ingestion
// and a NATS ingest worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// rootOptions are the persistent flags shared by every command
type rootOptions struct {
	configPath string
	userID     string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

// loadConfig resolves configuration and the stderr logger once per run
func (o *rootOptions) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.userID != "" {
		cfg.UserID = o.userID
	}
	if o.logLevel != "" {
		if _, err := config.ParseLevel(o.logLevel); err != nil {
			return err
		}
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg
	o.logger = cfg.Log.NewLogger(cmd.ErrOrStderr())
	return nil
}

// open builds the backends for commands that need them
func (o *rootOptions) open(ctx context.Context) (*app, error) {
	return newApp(ctx, o.cfg, o.logger)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "kbretrieval",
		Short: "Hybrid retrieval over a personal knowledge base",
		Long: `kbretrieval answers semantic, full-text and hybrid queries over a user's
documents, lists their folder tree, and ingests markdown into the index.

Configuration comes from defaults, an optional TOML file (--config or
KBR_CONFIG), a .env file and KBR_* environment variables, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" || cmd.Name() == "cues" {
				return nil
			}
			return opts.loadConfig(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "", "user id (overrides user_id)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(opts),
		newSearchCmd(opts),
		newTreeCmd(opts),
		newIngestCmd(opts),
		newCuesCmd(),
		newEmbedCmd(opts),
		newWorkerCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
