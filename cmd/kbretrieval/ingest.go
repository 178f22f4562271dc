package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/events"
	"github.com/dshills/kbretrieval/internal/indexer"
	"github.com/dshills/kbretrieval/pkg/types"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		prefix  string
		force   bool
		viaNATS bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Store and index markdown files",
		Long: `Reads each file as markdown, stores it below --prefix and indexes its
chunks for lexical and semantic search. Unchanged files are skipped
unless --force is given.

With --nats the files are sent to a running worker instead of being
written locally.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocuments(opts.cfg.UserID, prefix, args, force)
			if err != nil {
				return err
			}
			if viaNATS {
				return ingestRemote(cmd, opts, docs, timeout)
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if err := a.requireIndexer(); err != nil {
				return err
			}

			stats, err := a.indexer.IngestBatch(cmd.Context(), docs)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Ingested %d documents in %s: %d chunks, %d vectors, %d unchanged, %d failed\n",
				stats.Documents, stats.Duration.Round(time.Millisecond), stats.Chunks, stats.Indexed, stats.Unchanged, stats.Failed)
			for _, msg := range stats.ErrorMessages {
				fmt.Fprintf(cmd.ErrOrStderr(), "  error: %s\n", msg)
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%d of %d documents failed", stats.Failed, stats.Documents)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "/", "path the files are stored below")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-index unchanged files")
	cmd.Flags().BoolVar(&viaNATS, "nats", false, "send to a worker over NATS")
	cmd.Flags().DurationVar(&timeout, "timeout", events.DefaultTimeout, "per document reply timeout with --nats")
	return cmd
}

func readDocuments(userID, prefix string, files []string, force bool) ([]indexer.Document, error) {
	docs := make([]indexer.Document, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, types.InvalidInputf("read %s: %v", file, err)
		}
		docs = append(docs, indexer.Document{
			UserID:   userID,
			Path:     documentPath(prefix, file),
			Kind:     types.KindItem,
			MimeType: mimeType(file),
			Markdown: string(data),
			Size:     int64(len(data)),
			Force:    force,
		})
	}
	return docs, nil
}

// documentPath maps a local file to its knowledge base path. Relative
// paths keep their directories; absolute ones keep only the file name.
func documentPath(prefix, file string) string {
	rel := filepath.ToSlash(filepath.Clean(file))
	if filepath.IsAbs(file) {
		rel = filepath.Base(file)
	}
	return path.Join("/", prefix, rel)
}

func mimeType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".md", ".markdown":
		return "text/markdown"
	}
	return "text/plain"
}

func ingestRemote(cmd *cobra.Command, opts *rootOptions, docs []indexer.Document, timeout time.Duration) error {
	nc, err := nats.Connect(opts.cfg.NATS.URL, nats.Name("kbretrieval-ingest"))
	if err != nil {
		return fmt.Errorf("%w: nats %s: %v", types.ErrBackendUnavailable, opts.cfg.NATS.URL, err)
	}
	defer nc.Close()

	w := cmd.OutOrStdout()
	failed := 0
	for _, doc := range docs {
		reply, err := events.Request(cmd.Context(), nc, opts.cfg.NATS.Subject, events.IngestEvent{
			UserID:   doc.UserID,
			Path:     doc.Path,
			Kind:     doc.Kind,
			MimeType: doc.MimeType,
			Markdown: doc.Markdown,
			Size:     doc.Size,
			Force:    doc.Force,
		}, timeout)
		if err != nil {
			return err
		}
		if !reply.OK {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "  error: %s: %s\n", doc.Path, reply.Error)
			continue
		}
		status := fmt.Sprintf("version %d, %d chunks, %d vectors", reply.Version, reply.Chunks, reply.Indexed)
		if reply.Unchanged {
			status = "unchanged"
		}
		fmt.Fprintf(w, "%s: %s\n", doc.Path, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(docs))
	}
	return nil
}
