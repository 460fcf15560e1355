package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/models"
)

type OllamaClient struct {
	baseURL string
	model   string
	system  string
	client  *http.Client
}

func NewOllamaClient(baseURL, model, systemPrompt string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		system:  systemPrompt,
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *OllamaClient) Name() string { return o.model }

func (o *OllamaClient) Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (string, error) {
	reqBody := map[string]interface{}{
		"model":  o.model,
		"system": o.system,
		"prompt": BuildPrompt(question, chunks),
		"stream": false,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
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
			fmt.Errorf("ollama returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", apperrors.ErrGenerationFailure.WithCause(err)
	}

	return result.Response, nil
}
