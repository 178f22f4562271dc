package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dshills/kbretrieval/pkg/types"
)

const (
	// DefaultChunkSize is the target maximum chunk length in runes
	DefaultChunkSize = 800

	// DefaultChunkOverlap is the number of runes carried into the next chunk
	DefaultChunkOverlap = 120
)

// DefaultSeparators splits on paragraphs, then lines, then words, then runes
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// ErrInvalidConfig is returned for non-positive sizes or overlap >= size
var ErrInvalidConfig = errors.New("invalid chunker config")

// Chunker splits text recursively on a list of separators until every piece
// fits the chunk size, then packs adjacent pieces back together with overlap.
type Chunker struct {
	size       int
	overlap    int
	separators []string
}

// New creates a Chunker
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidConfig, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap, separators: DefaultSeparators}, nil
}

// Split returns the non-empty, trimmed chunks of text in order
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	return c.split(text, c.separators)
}

// Chunks splits text into positioned chunks for one content version
func (c *Chunker) Chunks(contentID, text string) []types.Chunk {
	parts := c.Split(text)
	chunks := make([]types.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = types.Chunk{ContentID: contentID, Position: i, Text: p}
	}
	return chunks
}

func (c *Chunker) split(text string, separators []string) []string {
	sep := ""
	var rest []string
	for i, candidate := range separators {
		if candidate == "" {
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var parts []string
	if sep == "" {
		parts = make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			parts = append(parts, string(r))
		}
	} else {
		parts = strings.Split(text, sep)
	}

	var out, good []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if runeLen(p) < c.size {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			out = append(out, c.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
			continue
		}
		out = append(out, c.split(p, rest)...)
	}
	if len(good) > 0 {
		out = append(out, c.merge(good, sep)...)
	}
	return out
}

// merge packs pieces into chunks no longer than size, starting each new
// chunk with up to overlap runes from the tail of the previous one.
func (c *Chunker) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	joined := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var docs, current []string
	total := 0
	for _, p := range pieces {
		l := runeLen(p)
		if len(current) > 0 && total+l+joined(len(current)) > c.size {
			if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
				docs = append(docs, doc)
			}
			for total > c.overlap || (total > 0 && total+l+joined(len(current)) > c.size) {
				total -= runeLen(current[0]) + joined(len(current)-1)
				current = current[1:]
			}
		}
		current = append(current, p)
		total += l + joined(len(current)-1)
	}
	if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
