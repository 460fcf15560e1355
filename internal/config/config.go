// Package config provides application configuration management using koanf
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables; "__" separates nested keys,
// so RAG_SERVER__PORT sets server.port.
const EnvPrefix = "RAG_"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Chunking  ChunkingConfig  `koanf:"chunking"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Index     IndexConfig     `koanf:"index"`
	LLM       LLMConfig       `koanf:"llm"`
	Session   SessionConfig   `koanf:"session"`
	Events    EventsConfig    `koanf:"events"`
	Realtime  RealtimeConfig  `koanf:"realtime"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Security  SecurityConfig  `koanf:"security"`
	App       AppConfig       `koanf:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string    `koanf:"host"`
	Port         int       `koanf:"port"`
	ReadTimeout  int       `koanf:"read_timeout"`  // seconds
	WriteTimeout int       `koanf:"write_timeout"` // seconds
	CORSOrigins  []string  `koanf:"cors_origins"`
	TLS          TLSConfig `koanf:"tls"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	MinTLS   string `koanf:"min_version"` // "1.2" or "1.3"
}

// ChunkingConfig controls how document text is split.
type ChunkingConfig struct {
	TargetTokens      int  `koanf:"target_tokens"`
	OverlapTokens     int  `koanf:"overlap_tokens"`
	ToleranceTokens   int  `koanf:"tolerance_tokens"` // 0 means target/5
	RespectBoundaries bool `koanf:"respect_boundaries"`
}

// EmbeddingConfig selects the embedding model.
type EmbeddingConfig struct {
	Provider  string      `koanf:"provider"` // "hash" or "ollama"
	BaseURL   string      `koanf:"base_url"`
	Model     string      `koanf:"model"`
	Dimension int         `koanf:"dimension"` // hash provider only
	BatchSize int         `koanf:"batch_size"`
	Timeout   int         `koanf:"timeout"` // seconds
	Cache     CacheConfig `koanf:"cache"`
}

// CacheConfig configures the redis embedding cache.
type CacheConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	TTL       int    `koanf:"ttl"` // seconds
	KeyPrefix string `koanf:"key_prefix"`
}

// IndexConfig selects the vector index backend created per session.
type IndexConfig struct {
	Backend string `koanf:"backend"` // "memory" or "sqlite-vec"
}

// LLMConfig configures the answer synthesizer.
type LLMConfig struct {
	Provider     string `koanf:"provider"` // "ollama", "openrouter" or "extractive"
	BaseURL      string `koanf:"base_url"` // empty selects the provider default
	Model        string `koanf:"model"`
	APIKey       string `koanf:"api_key"`
	SiteURL      string `koanf:"site_url"`
	SiteName     string `koanf:"site_name"`
	SystemPrompt string `koanf:"system_prompt"`
	Timeout      int    `koanf:"timeout"` // seconds
}

// SessionConfig holds the session lifecycle policy.
type SessionConfig struct {
	AutoStart   bool `koanf:"auto_start"`
	NewOnIngest bool `koanf:"new_on_ingest"`
}

// EventsConfig sizes the event bus queues.
type EventsConfig struct {
	QueueSize int `koanf:"queue_size"`
	Backlog   int `koanf:"backlog"`
}

// RealtimeConfig holds websocket timings.
type RealtimeConfig struct {
	URL              string `koanf:"url"`               // used by the watch client
	PingInterval     int    `koanf:"ping_interval"`     // seconds
	PongTimeout      int    `koanf:"pong_timeout"`      // seconds
	WriteTimeout     int    `koanf:"write_timeout"`     // seconds
	ReconnectBackoff int    `koanf:"reconnect_backoff"` // seconds
	AckTimeout       int    `koanf:"ack_timeout"`       // seconds
}

// IngestConfig bounds ingestion work.
type IngestConfig struct {
	MaxConcurrentTasks int `koanf:"max_concurrent_tasks"`
	RequestTimeout     int `koanf:"request_timeout"` // seconds
	MaxUploadMB        int `koanf:"max_upload_mb"`
	// PDFToTextFallback runs poppler's pdftotext on PDFs the built-in
	// reader finds no text in.
	PDFToTextFallback bool `koanf:"pdftotext_fallback"`
}

// SecurityConfig holds security-related settings
type SecurityConfig struct {
	ErrorMode string `koanf:"error_mode"` // "detailed" or "secure"
	// APIToken, when set, is required as a bearer token on every API route
	// except /status.
	APIToken string `koanf:"api_token"`
}

// AppConfig holds general application settings
type AppConfig struct {
	Environment string `koanf:"environment"` // "development", "staging", "production"
	LogLevel    string `koanf:"log_level"`   // "debug", "info", "warn", "error"
	LogFormat   string `koanf:"log_format"`  // "text" or "json"
}

// Load loads configuration from multiple sources with precedence:
// 1. defaults
// 2. path if given, otherwise config.yaml / config.json in the working directory
// 3. Environment variables (highest precedence)
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	if err := loadConfigFiles(k, path); err != nil {
		return nil, err
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			key = strings.ReplaceAll(key, "__", ".")
			if strings.HasSuffix(key, "cors_origins") {
				return key, strings.Split(value, ",")
			}
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	k := koanf.New(".")
	setDefaults(k)
	var cfg Config
	_ = k.Unmarshal("", &cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.host":            "0.0.0.0",
		"server.port":            8000,
		"server.read_timeout":    30,
		"server.write_timeout":   120,
		"server.cors_origins":    []string{"http://localhost:5173", "http://localhost:3000"},
		"server.tls.enabled":     false,
		"server.tls.min_version": "1.3",

		"chunking.target_tokens":      750,
		"chunking.overlap_tokens":     100,
		"chunking.tolerance_tokens":   0,
		"chunking.respect_boundaries": true,

		"embedding.provider":         "hash",
		"embedding.base_url":         "http://localhost:11434",
		"embedding.model":            "nomic-embed-text",
		"embedding.dimension":        384,
		"embedding.batch_size":       32,
		"embedding.timeout":          60,
		"embedding.cache.enabled":    false,
		"embedding.cache.addr":       "localhost:6379",
		"embedding.cache.db":         0,
		"embedding.cache.ttl":        86400,
		"embedding.cache.key_prefix": "emb:",

		"index.backend": "memory",

		"llm.provider":  "extractive",
		"llm.base_url":  "",
		"llm.model":     "llama3",
		"llm.site_url":  "https://yourdomain.com",
		"llm.site_name": "AI Tutor",
		"llm.timeout":   120,

		"session.auto_start":    true,
		"session.new_on_ingest": false,

		"events.queue_size": 256,
		"events.backlog":    0,

		"realtime.url":               "ws://localhost:8000/ws/rag_process",
		"realtime.ping_interval":     30,
		"realtime.pong_timeout":      60,
		"realtime.write_timeout":     10,
		"realtime.reconnect_backoff": 3,
		"realtime.ack_timeout":       5,

		"ingest.max_concurrent_tasks": 3,
		"ingest.request_timeout":      30,
		"ingest.max_upload_mb":        50,
		"ingest.pdftotext_fallback":   true,

		"security.error_mode": "detailed",
		"security.api_token":  "",

		"app.environment": "development",
		"app.log_level":   "info",
		"app.log_format":  "text",
	}

	for key, value := range defaults {
		_ = k.Set(key, value) // Ignore error for setting defaults
	}
}

// loadConfigFiles loads configuration from files. An explicit path must exist;
// the implicit config.yaml / config.json are optional.
func loadConfigFiles(k *koanf.Koanf, path string) error {
	if path != "" {
		parser := koanf.Parser(yaml.Parser())
		if strings.HasSuffix(path, ".json") {
			parser = json.Parser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		return nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config.yaml: %w", err)
		}
	}

	if _, err := os.Stat("config.json"); err == nil {
		if err := k.Load(file.Provider("config.json"), json.Parser()); err != nil {
			return fmt.Errorf("failed to load config.json: %w", err)
		}
	}
	return nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}

		if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS cert file does not exist: %s", cfg.Server.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.Server.TLS.KeyFile)
		}
	}

	if cfg.Chunking.TargetTokens <= 0 {
		return fmt.Errorf("chunking.target_tokens must be positive")
	}
	if cfg.Chunking.OverlapTokens < 0 {
		return fmt.Errorf("chunking.overlap_tokens must not be negative")
	}

	switch cfg.Embedding.Provider {
	case "hash":
		if cfg.Embedding.Dimension <= 0 {
			return fmt.Errorf("embedding.dimension must be positive for the hash provider")
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}

	switch cfg.Index.Backend {
	case "memory", "sqlite-vec":
	default:
		return fmt.Errorf("unknown index backend: %s", cfg.Index.Backend)
	}

	switch cfg.LLM.Provider {
	case "ollama", "openrouter", "extractive":
	default:
		return fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}

	if cfg.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be positive")
	}
	if cfg.Ingest.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("ingest.max_concurrent_tasks must be positive")
	}

	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetTLSConfig returns a TLS configuration based on the config
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.Server.TLS.Enabled {
		return nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}

	switch c.Server.TLS.MinTLS {
	case "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	default:
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c RealtimeConfig) PingIntervalDuration() time.Duration { return seconds(c.PingInterval) }
func (c RealtimeConfig) PongTimeoutDuration() time.Duration  { return seconds(c.PongTimeout) }
func (c RealtimeConfig) WriteTimeoutDuration() time.Duration { return seconds(c.WriteTimeout) }
func (c RealtimeConfig) BackoffDuration() time.Duration      { return seconds(c.ReconnectBackoff) }
func (c RealtimeConfig) AckTimeoutDuration() time.Duration   { return seconds(c.AckTimeout) }

func (c IngestConfig) RequestTimeoutDuration() time.Duration { return seconds(c.RequestTimeout) }
func (c EmbeddingConfig) TimeoutDuration() time.Duration     { return seconds(c.Timeout) }
func (c CacheConfig) TTLDuration() time.Duration             { return seconds(c.TTL) }
func (c LLMConfig) TimeoutDuration() time.Duration           { return seconds(c.Timeout) }
