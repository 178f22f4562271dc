package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrProviderFailed      = errors.New("embedding provider failed")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrEmptyText           = errors.New("text cannot be empty")
	ErrNoProviderEnabled   = errors.New("no embedding provider configured")
)

// Usage scopes an embedding request. Queries and documents may be prefixed
// differently before encoding, so they never share cache entries.
type Usage string

const (
	UsageQuery Usage = "query"
	UsageDoc   Usage = "doc"
)

// ParseUsage validates a usage tag
func ParseUsage(s string) (Usage, error) {
	switch Usage(s) {
	case UsageQuery, UsageDoc:
		return Usage(s), nil
	default:
		return "", fmt.Errorf("unknown usage %q", s)
	}
}

// Embedder is the embedding model: text in, full-dimension vectors out.
// Implementations must return exactly one vector per input, in order.
type Embedder interface {
	// Embed generates embeddings for a batch of texts
	Embed(ctx context.Context, texts []string, usage Usage) ([][]float32, error)

	// Dimension returns the native output dimension of the model
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// ComputeHash computes SHA-256 hash of text for caching
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateTexts rejects empty batches and empty texts
func ValidateTexts(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrEmptyText)
	}
	for i, text := range texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d", ErrEmptyText, i)
		}
	}
	return nil
}
