package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/cues"
	"github.com/dshills/kbretrieval/pkg/types"
)

func newCuesCmd() *cobra.Command {
	cfg := cues.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "cues [file]",
		Short: "Merge raw caption cues into clean segments",
		Long: `Reads a JSON array of {"start_ms", "end_ms", "text"} cues from a file or
stdin ("-" or no argument) and prints the merged segments as JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return types.InvalidInputf("open %s: %v", args[0], err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			var input []cues.Cue
			if err := json.NewDecoder(in).Decode(&input); err != nil {
				return types.InvalidInputf("decode cues: %v", err)
			}
			return printJSON(cmd, cues.Normalize(input, cfg))
		},
	}
	cmd.Flags().Float64Var(&cfg.MinDurationMs, "min-duration", cfg.MinDurationMs, "minimum segment length in ms")
	cmd.Flags().Float64Var(&cfg.MergeGapMs, "merge-gap", cfg.MergeGapMs, "merge cues closer than this many ms")
	cmd.Flags().IntVar(&cfg.MinOverlapRunes, "min-overlap", cfg.MinOverlapRunes, "shortest text overlap treated as a repeat")
	return cmd
}
