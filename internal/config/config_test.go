package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 750, cfg.Chunking.TargetTokens)
	assert.Equal(t, 100, cfg.Chunking.OverlapTokens)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Equal(t, "memory", cfg.Index.Backend)
	assert.True(t, cfg.Session.AutoStart)
	assert.False(t, cfg.Session.NewOnIngest)
	assert.Equal(t, 3, cfg.Ingest.MaxConcurrentTasks)
	assert.Equal(t, 3*time.Second, cfg.Realtime.BackoffDuration())
	assert.Equal(t, 30*time.Second, cfg.Realtime.PingIntervalDuration())
	assert.NoError(t, validate(cfg))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
chunking:
  target_tokens: 300
index:
  backend: sqlite-vec
`), 0o600))

	t.Setenv("RAG_CHUNKING__OVERLAP_TOKENS", "40")
	t.Setenv("RAG_SERVER__CORS_ORIGINS", "http://a.test,http://b.test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Chunking.TargetTokens)
	assert.Equal(t, 40, cfg.Chunking.OverlapTokens)
	assert.Equal(t, "sqlite-vec", cfg.Index.Backend)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "9100", cfg.Addr()[len(cfg.Addr())-4:])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"unknown embedding provider": func(c *Config) { c.Embedding.Provider = "bert" },
		"unknown backend":            func(c *Config) { c.Index.Backend = "faiss" },
		"unknown llm":                func(c *Config) { c.LLM.Provider = "gpt" },
		"zero target":                func(c *Config) { c.Chunking.TargetTokens = 0 },
		"negative overlap":           func(c *Config) { c.Chunking.OverlapTokens = -1 },
		"zero workers":               func(c *Config) { c.Ingest.MaxConcurrentTasks = 0 },
		"tls without cert":           func(c *Config) { c.Server.TLS.Enabled = true },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestGetTLSConfig(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.GetTLSConfig())

	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.MinTLS = "1.2"
	tlsCfg := cfg.GetTLSConfig()
	require.NotNil(t, tlsCfg)
	assert.EqualValues(t, 0x0303, tlsCfg.MinVersion)
}
