package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheOptions configures the redis embedding cache.
type CacheOptions struct {
	TTL       time.Duration
	KeyPrefix string
	// OwnClient closes the redis client on Close.
	OwnClient bool
}

// Cached serves repeated texts from redis. Keys include the model id so a
// model change never returns stale vectors. Redis failures fall back to the
// wrapped embedder.
type Cached struct {
	Embedder
	redis  *goredis.Client
	opts   CacheOptions
	logger *zap.Logger
}

func NewCached(e Embedder, redis *goredis.Client, opts CacheOptions, logger *zap.Logger) *Cached {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "emb:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{Embedder: e, redis: redis, opts: opts, logger: logger}
}

func (c *Cached) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(text))
	return c.opts.KeyPrefix + c.ModelID() + ":" + hex.EncodeToString(hash[:])
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.redis == nil || len(texts) == 0 {
		return c.Embedder.Embed(ctx, texts)
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.cacheKey(text)
	}

	embeddings := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	cached, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("redis get error, falling back to provider", zap.Error(err))
		cached = make([]interface{}, len(texts))
	}
	for i, v := range cached {
		if s, ok := v.(string); ok {
			var vec []float32
			if err := json.Unmarshal([]byte(s), &vec); err == nil && c.fits(vec) {
				embeddings[i] = vec
				continue
			}
			_ = c.redis.Del(ctx, keys[i]).Err()
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}

	if len(missTexts) == 0 {
		c.logger.Debug("all embeddings from cache", zap.Int("total", len(texts)))
		return embeddings, nil
	}

	c.logger.Debug("embedding cache miss", zap.Int("total", len(texts)), zap.Int("uncached", len(missTexts)))
	fresh, err := c.Embedder.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	pipe := c.redis.Pipeline()
	for i, idx := range missIdx {
		embeddings[idx] = fresh[i]
		data, err := json.Marshal(fresh[i])
		if err != nil {
			continue
		}
		pipe.Set(ctx, keys[idx], data, c.opts.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("failed to cache embeddings", zap.Error(err))
	}
	return embeddings, nil
}

func (c *Cached) fits(vec []float32) bool {
	d := c.Dimension()
	return len(vec) > 0 && (d == 0 || len(vec) == d)
}

// Close releases the redis client when it is owned by the cache.
func (c *Cached) Close() error {
	if c.opts.OwnClient && c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
