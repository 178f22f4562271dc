package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/searcher"
)

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var (
		depth    int
		limit    int
		folderID string
		dirsOnly bool
		format   string
	)
	cmd := &cobra.Command{
		Use:   "tree [path]",
		Short: "List folders and documents below a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "markdown", "json", "flat":
			default:
				return fmt.Errorf("unknown format %q (markdown, json or flat)", format)
			}
			req := searcher.TreeRequest{
				UserID:       opts.cfg.UserID,
				FolderID:     folderID,
				Depth:        depth,
				Limit:        limit,
				IncludeFiles: !dirsOnly,
			}
			if len(args) == 1 {
				req.RootPath = args[0]
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.searcher.TreeList(cmd.Context(), req)
			if err != nil {
				return err
			}
			if res.Truncated {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: listing truncated at %d documents\n", res.Rows)
			}

			switch format {
			case "json":
				return printJSON(cmd, res.Root)
			case "flat":
				return printJSON(cmd, pathtree.Flatten(res.Root))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), pathtree.Render(res.Root, pathtree.Heading("Files", res.Prefix, res.Depth)))
			return err
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", pathtree.DefaultDepth, "levels below the root to include")
	cmd.Flags().IntVarP(&limit, "limit", "n", pathtree.DefaultLimit, "maximum number of documents to fetch")
	cmd.Flags().StringVar(&folderID, "folder", "", "list below this folder id instead of a path")
	cmd.Flags().BoolVar(&dirsOnly, "dirs-only", false, "omit items")
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "markdown, json or flat")
	return cmd
}
