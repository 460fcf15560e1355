package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-tutor/internal/config"
	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/models"
)

func words(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

// reassemble concatenates chunks after dropping each chunk's overlap with its predecessor.
func reassemble(t *testing.T, chunks []models.Chunk) string {
	t.Helper()
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			require.Equal(t, 0, c.StartOffset)
			b.WriteString(c.Text)
			continue
		}
		prev := chunks[i-1]
		require.LessOrEqual(t, c.StartOffset, prev.EndOffset, "chunk %d leaves a gap", i)
		b.WriteString(c.Text[prev.EndOffset-c.StartOffset:])
	}
	return b.String()
}

func TestChunkerThreeThousandTokens(t *testing.T) {
	c := New(WithTarget(750), WithOverlap(100))
	toks := words(3000, "w")
	text := strings.Join(toks, " ")
	docID := uuid.New().String()

	chunks := c.Split(docID, text)
	require.GreaterOrEqual(t, len(chunks), 4)
	assert.Equal(t, text, reassemble(t, chunks))

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.SequenceIndex)
		assert.Equal(t, docID, chunk.DocumentID)
		assert.Equal(t, models.ChunkID(docID, i), chunk.ID)
		if i == 0 {
			assert.Equal(t, 0, chunk.OverlapWithPrev)
			continue
		}
		assert.Equal(t, 100, chunk.OverlapWithPrev)
		prevFields := strings.Fields(chunks[i-1].Text)
		curFields := strings.Fields(chunk.Text)
		assert.Equal(t, prevFields[len(prevFields)-100:], curFields[:100], "chunk %d overlap", i)
	}
}

func TestChunkerBounds(t *testing.T) {
	var paragraphs []string
	for p := 0; p < 40; p++ {
		var sentences []string
		for s := 0; s < 6; s++ {
			sentences = append(sentences, strings.Join(words(7+(p+s)%9, fmt.Sprintf("p%ds%dw", p, s)), " ")+".")
		}
		paragraphs = append(paragraphs, strings.Join(sentences, " "))
	}
	text := strings.Join(paragraphs, "\n\n")

	for _, respect := range []bool{true, false} {
		t.Run(fmt.Sprintf("respect=%v", respect), func(t *testing.T) {
			c := New(WithTarget(200), WithOverlap(30), WithBoundaries(respect))
			minTokens, maxTokens := c.Bounds()
			chunks := c.Split("doc", text)
			require.Greater(t, len(chunks), 1)

			for i, chunk := range chunks {
				assert.Equal(t, len(strings.Fields(chunk.Text)), chunk.TokenCount)
				assert.LessOrEqual(t, chunk.TokenCount, maxTokens)
				if i < len(chunks)-1 {
					assert.GreaterOrEqual(t, chunk.TokenCount, minTokens)
				}
			}
			assert.Equal(t, text, reassemble(t, chunks))
			assert.Equal(t, len(text), chunks[len(chunks)-1].EndOffset)
		})
	}
}

func TestChunkerSnapsToParagraphs(t *testing.T) {
	// Paragraphs of 90 tokens: with target 100 and tolerance 20 the first split
	// must land on the paragraph break after token 90.
	para := func(tag string) string { return strings.Join(words(90, tag), " ") }
	text := para("a") + "\n\n" + para("b") + "\n\n" + para("c")

	c := New(WithTarget(100), WithOverlap(0))
	chunks := c.Split("doc", text)
	require.Len(t, chunks, 3)
	assert.Equal(t, 90, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "a89"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(chunks[1].Text), "b0"))
	assert.Equal(t, text, reassemble(t, chunks))
}

func TestChunkerSnapsToSentences(t *testing.T) {
	first := strings.Join(words(95, "x"), " ") + "."
	rest := strings.Join(words(200, "y"), " ")
	text := first + " " + rest

	c := New(WithTarget(100), WithOverlap(10))
	chunks := c.Split("doc", text)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 96, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "x94."))
}

func TestChunkerEdgeCases(t *testing.T) {
	c := New()

	t.Run("empty text yields zero chunks", func(t *testing.T) {
		assert.Empty(t, c.Split("doc", ""))
		assert.Empty(t, c.Split("doc", " \n\t "))
	})

	t.Run("short text yields exactly one chunk", func(t *testing.T) {
		text := "  A short note.\n\nWith two paragraphs.  "
		chunks := c.Split("doc", text)
		require.Len(t, chunks, 1)
		assert.Equal(t, text, chunks[0].Text)
		assert.Equal(t, 6, chunks[0].TokenCount)
		assert.Equal(t, 0, chunks[0].OverlapWithPrev)
	})

	t.Run("required chunks on empty text", func(t *testing.T) {
		_, err := c.SplitRequired("doc", "   ")
		assert.ErrorIs(t, err, apperrors.ErrEmptyDocument)
	})

	t.Run("zero overlap keeps whitespace in the following chunk", func(t *testing.T) {
		text := strings.Join(words(50, "z"), "  ")
		c := New(WithTarget(10), WithOverlap(0))
		chunks := c.Split("doc", text)
		require.Len(t, chunks, 5)
		for i := 1; i < len(chunks); i++ {
			assert.Equal(t, chunks[i-1].EndOffset, chunks[i].StartOffset)
		}
		assert.Equal(t, text, reassemble(t, chunks))
	})
}

func TestChunksIsRestartableAndLazy(t *testing.T) {
	c := New(WithTarget(10), WithOverlap(2))
	text := strings.Join(words(100, "t"), " ")
	seq := c.Chunks("doc", text)

	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
	}
	assert.Equal(t, first, second)

	taken := 0
	for range seq {
		taken++
		if taken == 2 {
			break
		}
	}
	assert.Equal(t, 2, taken)
}

func TestOverlapIsClamped(t *testing.T) {
	c := New(WithTarget(100), WithOverlap(500))
	minTokens, _ := c.Bounds()
	assert.Equal(t, minTokens/2, c.Overlap())

	chunks := c.Split("doc", strings.Join(words(1000, "o"), " "))
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].StartOffset, chunks[i-1].StartOffset)
	}
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.ChunkingConfig{TargetTokens: 300, OverlapTokens: 50, ToleranceTokens: 30, RespectBoundaries: true})
	minTokens, maxTokens := c.Bounds()
	assert.Equal(t, 270, minTokens)
	assert.Equal(t, 330, maxTokens)
	assert.Equal(t, 50, c.Overlap())
}
