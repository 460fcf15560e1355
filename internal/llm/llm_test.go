package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-tutor/internal/config"
	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/models"
)

func retrieved(texts ...string) []models.RetrievedChunk {
	out := make([]models.RetrievedChunk, len(texts))
	for i, text := range texts {
		out[i] = models.RetrievedChunk{
			Chunk:    models.Chunk{ID: "c", Text: text},
			Document: models.Document{Title: "Doc"},
			Score:    0.5,
		}
	}
	return out
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("What is ATP?", retrieved("  ATP stores energy.  ", "Cells use ATP."))

	assert.Contains(t, prompt, "[CHUNK 1]\nATP stores energy.\n")
	assert.Contains(t, prompt, "[CHUNK 2]\nCells use ATP.\n")
	assert.Contains(t, prompt, "QUESTION:\nWhat is ATP?")
	assert.True(t, strings.HasSuffix(prompt, "YOUR ANSWER:"))
	assert.Less(t, strings.Index(prompt, "[CHUNK 1]"), strings.Index(prompt, "[CHUNK 2]"))
}

func TestOllamaClientSynthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req["model"])
		assert.Equal(t, false, req["stream"])
		assert.Contains(t, req["prompt"], "[CHUNK 1]")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "ATP is energy currency [CHUNK 1]"})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "llama3", "", time.Second)
	answer, err := client.Synthesize(context.Background(), "What is ATP?", retrieved("ATP stores energy."))
	require.NoError(t, err)
	assert.Equal(t, "ATP is energy currency [CHUNK 1]", answer)
	assert.Equal(t, "llama3", client.Name())
}

func TestOllamaClientFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model missing", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewOllamaClient(server.URL, "llama3", "", time.Second).Synthesize(context.Background(), "q", nil)
	assert.ErrorIs(t, err, apperrors.ErrGenerationFailure)
}

func TestOpenRouterClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "https://tutor.test", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "AI Tutor", r.Header.Get("X-Title"))

		var req struct {
			Model    string        `json:"model"`
			Messages []chatMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "grounded answer"}}},
		})
	}))
	defer server.Close()

	client := NewOpenRouterClient(config.LLMConfig{
		BaseURL:  server.URL + "/",
		Model:    "mistral",
		APIKey:   "sk-test",
		SiteURL:  "https://tutor.test",
		SiteName: "AI Tutor",
		Timeout:  5,
	})
	answer, err := client.Synthesize(context.Background(), "q", retrieved("ctx"))
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", answer)
}

func TestOpenRouterNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(config.LLMConfig{BaseURL: server.URL, APIKey: "k", Timeout: 5})
	_, err := client.Synthesize(context.Background(), "q", nil)
	assert.ErrorIs(t, err, apperrors.ErrGenerationFailure)
}

func TestExtractive(t *testing.T) {
	e := NewExtractive()
	answer, err := e.Synthesize(context.Background(), "q", retrieved("first   passage", strings.Repeat("x", 1000)))
	require.NoError(t, err)
	assert.Contains(t, answer, "[CHUNK 1] (Doc) first passage")
	assert.Contains(t, answer, "[CHUNK 2]")
	assert.Contains(t, answer, "...")

	empty, err := e.Synthesize(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Contains(t, empty, "don't have enough information")
}

func TestNewSelectsProvider(t *testing.T) {
	tests := []struct {
		cfg  config.LLMConfig
		want string
	}{
		{config.LLMConfig{Provider: "extractive"}, "*llm.Extractive"},
		{config.LLMConfig{Provider: "openrouter"}, "*llm.Extractive"},
		{config.LLMConfig{Provider: "openrouter", APIKey: "k", Model: "m"}, "*llm.OpenRouterClient"},
		{config.LLMConfig{Provider: "ollama", Model: "llama3"}, "*llm.OllamaClient"},
	}
	for _, tt := range tests {
		s, err := New(tt.cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, typeName(s))
	}

	_, err := New(config.LLMConfig{Provider: "gpt"}, nil)
	assert.Error(t, err)
}

func typeName(v any) string {
	switch v.(type) {
	case *Extractive:
		return "*llm.Extractive"
	case *OpenRouterClient:
		return "*llm.OpenRouterClient"
	case *OllamaClient:
		return "*llm.OllamaClient"
	}
	return "unknown"
}
