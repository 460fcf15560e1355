package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-tutor/internal/config"
	apperrors "rag-tutor/internal/errors"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(256)
	assert.Equal(t, "hash-256", e.ModelID())
	assert.Equal(t, 256, e.Dimension())

	vecs, err := e.Embed(context.Background(), []string{
		"The mitochondria is the powerhouse of the cell",
		"mitochondria produce energy for the cell",
		"Tax returns are due in April",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 256)
		assert.InDelta(t, 1.0, norm(v), 1e-5)
	}
	assert.Greater(t, dot(vecs[0], vecs[1]), dot(vecs[0], vecs[2]))

	again, err := EmbedOne(context.Background(), e, "The mitochondria is the powerhouse of the cell")
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again)
}

func TestOllamaEmbedder(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/embed", r.URL.Path)

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			out[i] = []float32{float32(i + 1), 0, 0}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer server.Close()

	e := NewOllamaEmbedder(server.URL, "", 0, time.Second)
	assert.Equal(t, "ollama:nomic-embed-text", e.ModelID())
	assert.Equal(t, 0, e.Dimension())

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {1, 0, 0}}, vecs)
	assert.Equal(t, 3, e.Dimension())
	assert.EqualValues(t, 1, calls.Load())
}

func TestOllamaEmbedderFailures(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewOllamaEmbedder(url, "m", 0, time.Second).Embed(context.Background(), []string{"x"})
		assert.ErrorIs(t, err, apperrors.ErrEmbeddingUnavailable)
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := NewOllamaEmbedder(server.URL, "m", 0, time.Second).Embed(context.Background(), []string{"x"})
		assert.ErrorIs(t, err, apperrors.ErrEmbeddingUnavailable)
	})

	t.Run("dimension drift", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1, 0}}})
		}))
		defer server.Close()

		_, err := NewOllamaEmbedder(server.URL, "m", 768, time.Second).Embed(context.Background(), []string{"x"})
		assert.ErrorIs(t, err, apperrors.ErrModelMismatch)
	})
}

// countingEmbedder records batch sizes.
type countingEmbedder struct {
	*HashEmbedder
	batches []int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches = append(c.batches, len(texts))
	return c.HashEmbedder.Embed(ctx, texts)
}

func TestBatchedPreservesOrder(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	b := NewBatched(inner, 4)

	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	vecs, err := b.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2}, inner.batches)

	direct, _ := NewHashEmbedder(64).Embed(context.Background(), texts)
	assert.Equal(t, direct, vecs)
	assert.Equal(t, "hash-64", b.ModelID())
}

func TestCachedEmbedder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(32)}
	c := NewCached(inner, client, CacheOptions{TTL: time.Minute}, nil)
	ctx := context.Background()

	first, err := c.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, inner.batches)

	second, err := c.Embed(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, inner.batches)
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	keys := mr.Keys()
	assert.Len(t, keys, 3)
	for _, k := range keys {
		assert.Contains(t, k, "emb:hash-32:")
		assert.Greater(t, mr.TTL(k), time.Duration(0))
	}
}

func TestCachedEmbedderRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	c := NewCached(NewHashEmbedder(16), client, CacheOptions{}, nil)
	vecs, err := c.Embed(context.Background(), []string{"still works"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 16)
}

func TestNewFromConfig(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "hash", Dimension: 128, BatchSize: 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hash-128", e.ModelID())
	assert.Equal(t, 128, e.Dimension())

	_, err = New(config.EmbeddingConfig{Provider: "word2vec"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrModelMismatch)
}
