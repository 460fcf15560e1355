package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"rag-tutor/internal/config"
	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/models"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouterClient talks to an OpenAI-compatible chat completions endpoint.
type OpenRouterClient struct {
	baseURL  string
	model    string
	apiKey   string
	siteURL  string
	siteName string
	system   string
	client   *http.Client
}

func NewOpenRouterClient(cfg config.LLMConfig) *OpenRouterClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	return &OpenRouterClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		siteURL:  cfg.SiteURL,
		siteName: cfg.SiteName,
		system:   system,
		client:   &http.Client{Timeout: cfg.TimeoutDuration()},
	}
}

func (c *OpenRouterClient) Name() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *OpenRouterClient) Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model": c.model,
		"messages": []chatMessage{
			{Role: "system", Content: c.system},
			{Role: "user", Content: BuildPrompt(question, chunks)},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.siteURL)
	req.Header.Set("X-Title", c.siteName)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.ErrGenerationFailure.WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.ErrGenerationFailure.WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.ErrGenerationFailure.WithCause(
			fmt.Errorf("openrouter returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var result struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", apperrors.ErrGenerationFailure.WithCause(err)
	}
	if len(result.Choices) == 0 {
		return "", apperrors.ErrGenerationFailure.WithMessage("model returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}
