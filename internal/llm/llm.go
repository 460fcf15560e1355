// Package llm adapts language model backends into answer synthesizers.
package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rag-tutor/internal/config"
	"rag-tutor/internal/models"
)

// Synthesizer turns a question and its retrieved context into an answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (string, error)
	// Name identifies the backend model, e.g. for explanations.
	Name() string
}

// DefaultSystemPrompt is sent as the system message when none is configured.
const DefaultSystemPrompt = "You are an AI tutor helping a student learn from their own study material. " +
	"Answer clearly and cite the chunks you use."

// New builds the configured synthesizer. OpenRouter without an API key falls
// back to the extractive synthesizer.
func New(cfg config.LLMConfig, logger *zap.Logger) (Synthesizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.SystemPrompt, cfg.TimeoutDuration()), nil
	case "openrouter":
		if cfg.APIKey == "" {
			logger.Warn("OpenRouter API key not configured, answers will quote retrieved chunks")
			return NewExtractive(), nil
		}
		return NewOpenRouterClient(cfg), nil
	case "", "extractive":
		return NewExtractive(), nil
	}
	return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
}

// BuildPrompt lays out the retrieved chunks as numbered context blocks
// followed by the question and answering rules.
func BuildPrompt(question string, chunks []models.RetrievedChunk) string {
	var b strings.Builder

	b.WriteString("You are an expert teacher who answers questions based only on the provided information.\n\n")
	b.WriteString("CONTEXT:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[CHUNK %d]\n%s\n\n", i+1, strings.TrimSpace(c.Chunk.Text))
	}

	fmt.Fprintf(&b, "QUESTION:\n%s\n\n", question)
	b.WriteString(`INSTRUCTIONS:
1. Answer the question using ONLY the information provided in the CONTEXT.
2. If you don't know the answer based on the CONTEXT, say "I don't have enough information to answer that question."
3. Do not use any knowledge outside of the provided context.
4. When quoting from the context, cite the CHUNK number (e.g., [CHUNK 1]).
5. Always be helpful, concise, accurate, and educational.
6. Make your answer easy to understand.

YOUR ANSWER:`)
	return b.String()
}
