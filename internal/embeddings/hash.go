package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is a local embedding model based on signed feature hashing of
// word unigrams and bigrams. It needs no network and is deterministic, which
// makes it the default model and the one used in tests.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) ModelID() string { return fmt.Sprintf("hash-%d", h.dimension) }

func (h *HashEmbedder) Dimension() int { return h.dimension }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			words = []string{trimmed}
		}
	}

	for i, w := range words {
		h.add(vec, w, 1)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w, 0.5)
		}
	}
	return Normalize(vec)
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := sum % uint64(h.dimension)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
