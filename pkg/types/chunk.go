package types

import (
	"errors"
	"time"
)

// Chunk is a bounded span of a content version's text, the unit of
// embedding and retrieval. Chunks are immutable once written.
type Chunk struct {
	ID        string
	ContentID string
	Position  int
	Text      string
	Embedding []float32 // Nullable - written when the vector is known
	CreatedAt time.Time
}

// Validate checks if the chunk is well formed
func (c *Chunk) Validate() error {
	if c.Text == "" {
		return errors.New("chunk text cannot be empty")
	}
	if c.Position < 0 {
		return errors.New("chunk position must be >= 0")
	}
	return nil
}

// Content is one processed version of a document
type Content struct {
	ID         string
	DocumentID string
	Version    int // Monotonic per document, starting at 1
	Markdown   string
	Payload    string // JSON layout/metrics emitted by the upstream parser
	CreatedAt  time.Time
}
