// Package embeddings maps text to fixed-dimension, L2-normalized vectors.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rag-tutor/internal/config"
	apperrors "rag-tutor/internal/errors"
)

// Embedder embeds texts in order. Every vector it returns has Dimension()
// components and unit length, so cosine similarity is a dot product.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
	// Dimension is 0 while a remote model's size is not yet known.
	Dimension() int
}

// Normalize scales v to unit length in place. A zero vector is left unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// New builds the configured provider, wrapped for batching and, when enabled,
// redis caching.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	var base Embedder
	switch cfg.Provider {
	case "", "hash":
		base = NewHashEmbedder(cfg.Dimension)
	case "ollama":
		base = NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimension, cfg.TimeoutDuration())
	default:
		return nil, apperrors.ErrModelMismatch.WithMessage("unknown embedding provider: " + cfg.Provider)
	}

	e := NewBatched(base, cfg.BatchSize)
	if !cfg.Cache.Enabled {
		return e, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	return NewCached(e, client, CacheOptions{
		TTL:       cfg.Cache.TTLDuration(),
		KeyPrefix: cfg.Cache.KeyPrefix,
		OwnClient: true,
	}, logger), nil
}

// OllamaEmbedder calls the Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	ollamaURL string
	model     string
	client    *http.Client

	mu        sync.RWMutex
	dimension int
}

func NewOllamaEmbedder(baseURL, model string, dimension int, timeout time.Duration) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaEmbedder{
		ollamaURL: baseURL,
		model:     model,
		client:    &http.Client{Timeout: timeout},
		dimension: dimension,
	}
}

func (e *OllamaEmbedder) ModelID() string { return "ollama:" + e.model }

func (e *OllamaEmbedder) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dimension
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := map[string]interface{}{
		"model": e.model,
		"input": texts,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ollamaURL+"/api/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.ErrEmbeddingUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.ErrEmbeddingUnavailable.WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ErrEmbeddingUnavailable.WithCause(
			fmt.Errorf("ollama returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.ErrEmbeddingUnavailable.WithCause(err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, apperrors.ErrEmbeddingUnavailable.WithCause(
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings)))
	}

	for _, vec := range result.Embeddings {
		if err := e.checkDimension(len(vec)); err != nil {
			return nil, err
		}
		Normalize(vec)
	}
	return result.Embeddings, nil
}

// checkDimension adopts the first observed dimension and rejects any other.
func (e *OllamaEmbedder) checkDimension(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dimension == 0 {
		e.dimension = n
		return nil
	}
	if n != e.dimension {
		return apperrors.ErrModelMismatch.WithCause(
			fmt.Errorf("model %s returned dimension %d, expected %d", e.model, n, e.dimension))
	}
	return nil
}

// Batched splits calls to an underlying embedder into bounded batches.
type Batched struct {
	Embedder
	size int
}

func NewBatched(e Embedder, size int) *Batched {
	if size <= 0 {
		size = 32
	}
	return &Batched{Embedder: e, size: size}
}

func (b *Batched) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += b.size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+b.size, len(texts))
		vecs, err := b.Embedder.Embed(ctx, texts[lo:hi])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}
