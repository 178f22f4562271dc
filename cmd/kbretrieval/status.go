package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/pkg/types"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show document and index counts for the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if a.sqlite == nil {
				return fmt.Errorf("%w: status needs sqlite storage", types.ErrConfigurationMissing)
			}

			st, err := a.sqlite.GetStatus(cmd.Context(), opts.cfg.UserID)
			if err != nil {
				return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
			}
			if jsonOut {
				return printJSON(cmd, st)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Documents: %d (%d folders, %d items)\n", st.Documents, st.Folders, st.Items)
			fmt.Fprintf(w, "Contents:  %d\n", st.Contents)
			fmt.Fprintf(w, "Chunks:    %d (%d embedded)\n", st.Chunks, st.Embedded)
			if !st.LastUpdatedAt.IsZero() {
				fmt.Fprintf(w, "Updated:   %s\n", st.LastUpdatedAt.UTC().Format(time.RFC3339))
			}
			if a.vectors != nil {
				fmt.Fprintf(w, "Vectors:   %s (%s, %d dims)\n", opts.cfg.Vector.Backend, a.vectors.Spec().Name, a.vectors.Spec().Dim)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}
