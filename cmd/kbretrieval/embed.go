package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/embedder"
	"github.com/dshills/kbretrieval/pkg/types"
)

type embedding struct {
	Text   string    `json:"text"`
	Key    string    `json:"key"`
	Vector []float32 `json:"vector"`
}

func newEmbedCmd(opts *rootOptions) *cobra.Command {
	var usage string
	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Encode texts with the configured model and cache",
		Long: `Prints the cropped, unit-length vectors the searcher and indexer would use,
together with each text's cache key.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := embedder.ParseUsage(usage)
			if err != nil {
				return types.InvalidInputf("%v", err)
			}

			// Only the encoder is needed
			a := &app{cfg: opts.cfg, logger: opts.logger}
			defer func() { _ = a.Close() }()
			if err := a.openEncoder(); err != nil {
				return err
			}

			vectors, err := a.encoder.Encode(cmd.Context(), args, u)
			if err != nil {
				return err
			}
			out := make([]embedding, len(args))
			for i, text := range args {
				out[i] = embedding{Text: text, Key: a.encoder.Key(text, u), Vector: vectors[i]}
			}
			return printJSON(cmd, map[string]interface{}{
				"dimension":  a.encoder.Dimension(),
				"usage":      u,
				"embeddings": out,
			})
		},
	}
	cmd.Flags().StringVar(&usage, "usage", string(embedder.UsageQuery), "query or doc")
	return cmd
}
