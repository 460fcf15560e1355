// Package chunker splits document text into overlapping, boundary-aware chunks
// measured in whitespace-delimited tokens.
package chunker

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"rag-tutor/internal/config"
	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/models"
)

const (
	DefaultTargetTokens  = 750
	DefaultOverlapTokens = 100
)

// Chunker produces chunks whose token counts fall in [Min, Max] where
// Min = target - tolerance and Max = target + tolerance. Only the final chunk
// of a document may be shorter than Min.
type Chunker struct {
	target            int
	overlap           int
	tolerance         int
	respectBoundaries bool
}

// Option configures a Chunker.
type Option func(*Chunker)

func WithTarget(tokens int) Option {
	return func(c *Chunker) {
		if tokens > 0 {
			c.target = tokens
		}
	}
}

func WithOverlap(tokens int) Option {
	return func(c *Chunker) {
		if tokens >= 0 {
			c.overlap = tokens
		}
	}
}

func WithTolerance(tokens int) Option {
	return func(c *Chunker) {
		if tokens > 0 {
			c.tolerance = tokens
		}
	}
}

func WithBoundaries(respect bool) Option {
	return func(c *Chunker) { c.respectBoundaries = respect }
}

// New creates a chunker. Tolerance defaults to a fifth of the target and the
// overlap is clamped to half the minimum chunk size so every step advances.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		target:            DefaultTargetTokens,
		overlap:           DefaultOverlapTokens,
		respectBoundaries: true,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.tolerance == 0 || c.tolerance >= c.target {
		c.tolerance = c.target / 5
	}
	if limit := (c.target - c.tolerance) / 2; c.overlap > limit {
		c.overlap = limit
	}
	return c
}

// FromConfig builds a chunker from the chunking section of the configuration.
func FromConfig(cfg config.ChunkingConfig) *Chunker {
	return New(
		WithTarget(cfg.TargetTokens),
		WithOverlap(cfg.OverlapTokens),
		WithTolerance(cfg.ToleranceTokens),
		WithBoundaries(cfg.RespectBoundaries),
	)
}

// Bounds returns the minimum and maximum chunk sizes in tokens.
func (c *Chunker) Bounds() (minTokens, maxTokens int) {
	return c.target - c.tolerance, c.target + c.tolerance
}

// Overlap returns the effective overlap in tokens after clamping.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunks lazily yields the chunks of text. The sequence can be ranged over
// more than once and yields nothing for empty or whitespace-only text.
func (c *Chunker) Chunks(documentID, text string) iter.Seq[models.Chunk] {
	return func(yield func(models.Chunk) bool) {
		toks := tokenize(text)
		n := len(toks)
		if n == 0 {
			return
		}

		minTokens, maxTokens := c.Bounds()
		start, prevEnd, seq := 0, 0, 0
		for {
			end := n
			if n-start > maxTokens {
				end = c.splitPoint(toks, start+minTokens, start+maxTokens, start+c.target)
			}

			overlap := 0
			if seq > 0 {
				overlap = prevEnd - start
			}

			startByte := 0
			if seq > 0 {
				if overlap > 0 {
					startByte = toks[start].start
				} else {
					startByte = toks[prevEnd-1].end
				}
			}
			endByte := len(text)
			if end < n {
				endByte = toks[end-1].end
			}

			chunk := models.Chunk{
				ID:              models.ChunkID(documentID, seq),
				DocumentID:      documentID,
				SequenceIndex:   seq,
				Text:            text[startByte:endByte],
				TokenCount:      end - start,
				OverlapWithPrev: overlap,
				StartOffset:     startByte,
				EndOffset:       endByte,
			}
			if !yield(chunk) || end == n {
				return
			}

			prevEnd = end
			start = end - c.overlap
			seq++
		}
	}
}

// Split collects every chunk of text. Empty text yields an empty slice.
func (c *Chunker) Split(documentID, text string) []models.Chunk {
	var out []models.Chunk
	for chunk := range c.Chunks(documentID, text) {
		out = append(out, chunk)
	}
	return out
}

// SplitRequired is Split for callers that need at least one chunk.
func (c *Chunker) SplitRequired(documentID, text string) ([]models.Chunk, error) {
	chunks := c.Split(documentID, text)
	if len(chunks) == 0 {
		return nil, apperrors.ErrEmptyDocument
	}
	return chunks, nil
}

// splitPoint picks the exclusive end token of a chunk within [lo, hi]. With
// boundaries enabled it prefers the paragraph break nearest to ideal, then
// the nearest sentence end, and falls back to ideal.
func (c *Chunker) splitPoint(toks []token, lo, hi, ideal int) int {
	if !c.respectBoundaries {
		return ideal
	}
	best := -1
	for _, kind := range []boundary{paragraphEnd, sentenceEnd} {
		for end := lo; end <= hi; end++ {
			if toks[end-1].after < kind {
				continue
			}
			if best < 0 || distance(end, ideal) < distance(best, ideal) {
				best = end
			}
		}
		if best >= 0 {
			return best
		}
	}
	return ideal
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

type boundary int

const (
	noBoundary boundary = iota
	sentenceEnd
	paragraphEnd
)

// token is a whitespace-delimited word with its byte span and the strongest
// boundary that follows it.
type token struct {
	start, end int
	after      boundary
}

func tokenize(text string) []token {
	var toks []token
	inWord := false
	wordStart := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				toks = append(toks, token{start: wordStart, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			wordStart = i
			inWord = true
		}
	}
	if inWord {
		toks = append(toks, token{start: wordStart, end: len(text)})
	}

	for i := range toks {
		word := text[toks[i].start:toks[i].end]
		gapEnd := len(text)
		if i+1 < len(toks) {
			gapEnd = toks[i+1].start
		}
		gap := text[toks[i].end:gapEnd]

		switch {
		case strings.Count(gap, "\n") >= 2:
			toks[i].after = paragraphEnd
		case strings.Contains(gap, "\n") && i+1 < len(toks) && text[toks[i+1].start] == '#':
			toks[i].after = paragraphEnd
		case endsSentence(word):
			toks[i].after = sentenceEnd
		}
	}
	return toks
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, "\"')]}»”’")
	if word == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(word)
	return r == '.' || r == '!' || r == '?' || r == '…'
}
