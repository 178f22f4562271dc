package searcher

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/pkg/types"
)

// TreeRequest lists a user's documents below a path or folder
type TreeRequest struct {
	UserID       string
	RootPath     string // Ignored when FolderID is set
	FolderID     string
	Depth        int // 0 means pathtree.DefaultDepth
	Limit        int // Row limit, 0 means pathtree.DefaultLimit
	IncludeFiles bool
}

// TreeResult is an assembled tree and the parameters actually applied
type TreeResult struct {
	Root      *pathtree.Node
	Prefix    string
	Depth     int
	Rows      int
	Truncated bool // The row limit was reached
}

// TreeList fetches the descendants of a path and assembles them into a
// depth-limited tree. Listing cannot degrade, so a missing or failing
// reader is ErrBackendUnavailable.
func (s *Searcher) TreeList(ctx context.Context, req TreeRequest) (*TreeResult, error) {
	if err := validateUser(req.UserID); err != nil {
		return nil, err
	}
	if req.Depth < 0 {
		return nil, types.InvalidInputf("depth must be >= 0, got %d", req.Depth)
	}
	if req.Limit < 0 {
		return nil, types.InvalidInputf("limit must be >= 0, got %d", req.Limit)
	}
	if s.reader == nil {
		return nil, fmt.Errorf("%w: no relational reader for tree listing", types.ErrBackendUnavailable)
	}

	depth := pathtree.ClampDepth(req.Depth)
	limit := pathtree.ClampLimit(req.Limit)
	ctx, span := tracer.Start(ctx, "searcher.TreeList", trace.WithAttributes(
		attribute.Int("depth", depth),
		attribute.Int("limit", limit)))
	defer span.End()

	prefix := req.RootPath
	if req.FolderID != "" {
		path, err := s.reader.FolderPath(ctx, req.UserID, req.FolderID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.InvalidInputf("folder %s not found", req.FolderID)
		}
		if err != nil {
			return nil, backendErr("resolve folder", err)
		}
		prefix = path
	}
	prefix = pathtree.NormalizePrefix(prefix)

	rows, err := s.reader.ListTreeRows(ctx, storage.TreeQuery{
		UserID: req.UserID,
		Prefix: prefix,
		Depth:  depth,
		Limit:  limit,
	})
	if err != nil {
		return nil, backendErr("list tree", err)
	}

	root := pathtree.Build(rows, pathtree.Options{
		Prefix:       prefix,
		Depth:        depth,
		IncludeFiles: req.IncludeFiles,
	})
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return &TreeResult{
		Root:      root,
		Prefix:    prefix,
		Depth:     depth,
		Rows:      len(rows),
		Truncated: len(rows) >= limit,
	}, nil
}
