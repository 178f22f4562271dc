package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/searcher"
)

const snippetRunes = 160

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		mode     string
		topK     int
		prefix   string
		noRerank bool
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the knowledge base",
		Long: `Runs a hybrid, semantic or lexical search over the user's documents.
Hybrid search fuses both arms by reciprocal rank and reranks when a
reranker is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := searcher.ParseMode(mode)
			if err != nil {
				return err
			}
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			req := searcher.Request{
				UserID:     opts.cfg.UserID,
				Query:      args[0],
				TopK:       topK,
				PathPrefix: prefix,
				Mode:       m,
			}
			if noRerank {
				off := false
				req.Rerank = &off
			}
			resp, err := a.searcher.Search(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if jsonOut {
				return printJSON(cmd, map[string]interface{}{
					"mode":        resp.Mode,
					"results":     resp.Results,
					"degraded":    resp.Degraded,
					"reranked":    resp.Reranked,
					"duration_ms": resp.Duration.Milliseconds(),
				})
			}
			printSearchTable(cmd, resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(searcher.ModeHybrid), "hybrid, semantic or lexical")
	cmd.Flags().IntVarP(&topK, "limit", "n", searcher.DefaultTopK, "maximum number of results")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "only search documents below this path")
	cmd.Flags().BoolVar(&noRerank, "no-rerank", false, "skip the reranker")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON")
	return cmd
}

func printSearchTable(cmd *cobra.Command, resp *searcher.Response) {
	w := cmd.OutOrStdout()
	if len(resp.Degraded) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: degraded search, skipped %s\n", strings.Join(resp.Degraded, ", "))
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}

	fmt.Fprintf(w, "Results (%s, %d in %s):\n\n", resp.Mode, len(resp.Results), resp.Duration.Round(time.Millisecond))
	for i, r := range resp.Results {
		title := r.DocumentPath
		if title == "" {
			title = r.DocumentID
		}
		fmt.Fprintf(w, "  [%d] %s #%d (%.4f %s)\n", i+1, title, r.Position, r.Score, r.ScoreKind)
		if s := snippet(r.Text); s != "" {
			fmt.Fprintf(w, "      %s\n", s)
		}
		fmt.Fprintln(w)
	}
}

// snippet collapses whitespace and truncates to snippetRunes
func snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	runes := []rune(s)
	if len(runes) > snippetRunes {
		return string(runes[:snippetRunes]) + "..."
	}
	return s
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
