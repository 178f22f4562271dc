package chunker_test

import (
	"strings"
	"testing"

	"github.com/dshills/kbretrieval/internal/chunker"
)

func benchmarkMarkdown(sections int) string {
	var b strings.Builder
	for i := 0; i < sections; i++ {
		b.WriteString("## Section heading\n\n")
		b.WriteString(strings.Repeat("Meeting notes about the quarterly budget and travel plans. ", 12))
		b.WriteString("\n\n- first item\n- second item\n\n")
	}
	return b.String()
}

func BenchmarkChunks_Small(b *testing.B) {
	c, err := chunker.New(chunker.DefaultChunkSize, chunker.DefaultChunkOverlap)
	if err != nil {
		b.Fatal(err)
	}
	text := benchmarkMarkdown(4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if chunks := c.Chunks("content-1", text); len(chunks) == 0 {
			b.Fatal("no chunks")
		}
	}
}

func BenchmarkChunks_Large(b *testing.B) {
	c, err := chunker.New(chunker.DefaultChunkSize, chunker.DefaultChunkOverlap)
	if err != nil {
		b.Fatal(err)
	}
	text := benchmarkMarkdown(200)
	b.SetBytes(int64(len(text)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if chunks := c.Chunks("content-1", text); len(chunks) == 0 {
			b.Fatal("no chunks")
		}
	}
}
