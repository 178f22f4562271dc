package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
		wantErr bool
	}{
		{"defaults", DefaultChunkSize, DefaultChunkOverlap, false},
		{"no overlap", 10, 0, false},
		{"zero size", 0, 0, true},
		{"overlap equals size", 10, 10, true},
		{"negative overlap", 10, -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.size, tt.overlap)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	c, err := New(100, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"hello world"}, c.Split("  hello world \n"))
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split(" \n\n "))
}

func TestSplit_PrefersParagraphs(t *testing.T) {
	c, err := New(30, 0)
	require.NoError(t, err)

	text := "first paragraph here\n\nsecond paragraph here\n\nthird"
	got := c.Split(text)
	assert.Equal(t, []string{"first paragraph here", "second paragraph here\n\nthird"}, got)
}

func TestSplit_FallsBackToWords(t *testing.T) {
	c, err := New(12, 0)
	require.NoError(t, err)

	got := c.Split("alpha beta gamma delta epsilon")
	assert.Equal(t, []string{"alpha beta", "gamma delta", "epsilon"}, got)
}

func TestSplit_Overlap(t *testing.T) {
	c, err := New(11, 5)
	require.NoError(t, err)

	got := c.Split("aa bb cc dd ee ff")
	assert.Equal(t, []string{"aa bb cc dd", "cc dd ee ff"}, got)
}

func TestSplit_LongWordSplitsRunes(t *testing.T) {
	c, err := New(4, 0)
	require.NoError(t, err)

	got := c.Split("ééééééééé")
	assert.Equal(t, []string{"éééé", "éééé", "é"}, got)
}

func TestSplit_RespectsSize(t *testing.T) {
	c, err := New(50, 10)
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("word")
		if i%7 == 0 {
			b.WriteString("\n")
		} else if i%31 == 0 {
			b.WriteString("\n\n")
		} else {
			b.WriteString(" ")
		}
	}

	chunks := c.Split(b.String())
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(ch), 50)
		assert.NotEmpty(t, strings.TrimSpace(ch))
	}
}

func TestChunks_Positions(t *testing.T) {
	c, err := New(12, 0)
	require.NoError(t, err)

	chunks := c.Chunks("content-1", "alpha beta gamma delta epsilon")
	require.Len(t, chunks, 3)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Position)
		assert.Equal(t, "content-1", ch.ContentID)
		assert.NoError(t, ch.Validate())
	}
}
