package storage

import (
	"context"
	"time"

	"github.com/dshills/kbretrieval/internal/pathtree"
	"github.com/dshills/kbretrieval/pkg/types"
)

// Reader is the read side of the relational store used by retrieval.
// Every query is scoped to one user and ignores soft-deleted rows.
type Reader interface {
	// Lexical search over the latest content of each document
	LexicalSearch(ctx context.Context, q LexicalQuery) ([]types.RetrievalResult, error)

	// HydrateChunks resolves vector hits to the latest chunk text.
	// Refs whose document is deleted, outside the prefix, or whose position
	// no longer exists in the latest version are absent from the map.
	HydrateChunks(ctx context.Context, q HydrateQuery) (map[ChunkRef]types.RetrievalResult, error)

	// Tree operations
	ListTreeRows(ctx context.Context, q TreeQuery) ([]pathtree.Row, error)
	FolderPath(ctx context.Context, userID, folderID string) (string, error)

	// Document operations
	GetDocument(ctx context.Context, userID, documentID string) (*types.Document, error)
	GetDocumentByPath(ctx context.Context, userID, path string) (*types.Document, error)
	DocumentText(ctx context.Context, userID, documentID string) (*DocumentText, error)

	Close() error
}

// Store is the full relational store used by ingestion
type Store interface {
	Reader

	UpsertDocument(ctx context.Context, doc *types.Document) error
	SoftDeleteDocument(ctx context.Context, userID, documentID string) (int, error)
	CreateContent(ctx context.Context, content *types.Content) error
	LatestContent(ctx context.Context, documentID string) (*types.Content, error)
	InsertChunks(ctx context.Context, contentID string, chunks []types.Chunk) error
	ListChunks(ctx context.Context, contentID string) ([]types.Chunk, error)
	GetStatus(ctx context.Context, userID string) (*Status, error)
}

// LexicalQuery parameterizes a full-text search
type LexicalQuery struct {
	UserID     string
	Query      string
	Limit      int
	PathPrefix string // "" or "/" means the whole tree
}

// ChunkRef addresses a chunk by document and position, the way vector
// index keys do
type ChunkRef struct {
	DocumentID string
	Position   int
}

// HydrateQuery parameterizes HydrateChunks
type HydrateQuery struct {
	UserID     string
	PathPrefix string
	Refs       []ChunkRef
}

// TreeQuery parameterizes ListTreeRows. With Depth > 0 only rows at most
// Depth levels below Prefix are returned, plus one representative row per
// deeper subtree so its directories can still be shown.
type TreeQuery struct {
	UserID string
	Prefix string
	Depth  int
	Limit  int
}

// DocumentText is a document together with its latest markdown
type DocumentText struct {
	Document  *types.Document
	ContentID string
	Version   int
	Markdown  string
}

// Status summarizes what a user has stored
type Status struct {
	Documents     int
	Folders       int
	Items         int
	Contents      int
	Chunks        int
	Embedded      int
	LastUpdatedAt time.Time
}
