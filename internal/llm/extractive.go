package llm

import (
	"context"
	"fmt"
	"strings"

	"rag-tutor/internal/models"
)

// Extractive answers by quoting the retrieved chunks. It needs no model and
// is used when no language model is configured.
type Extractive struct {
	maxChars int
}

func NewExtractive() *Extractive { return &Extractive{maxChars: 400} }

func (e *Extractive) Name() string { return "extractive" }

func (e *Extractive) Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "I don't have enough information to answer that question.", nil
	}

	var b strings.Builder
	b.WriteString("Here is what your material says:\n")
	for i, c := range chunks {
		text := strings.Join(strings.Fields(c.Chunk.Text), " ")
		if len(text) > e.maxChars {
			text = strings.ToValidUTF8(text[:e.maxChars], "") + "..."
		}
		fmt.Fprintf(&b, "\n[CHUNK %d] (%s) %s\n", i+1, c.Document.Title, text)
	}
	return b.String(), nil
}
