// Package config provides configuration loading for answerd.
//
// Configuration is loaded from a YAML file and environment variables with
// sensible defaults. Precedence (highest to lowest): environment variables,
// YAML config file, hardcoded defaults.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete answerd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	LLM       LLMConfig       `koanf:"llm"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Store     StoreConfig     `koanf:"store"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// LLMConfig holds completion provider configuration. The same client backs
// classification, reranking and answer generation.
type LLMConfig struct {
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Model             string   `koanf:"model"`
	MaxTokens         int      `koanf:"max_tokens"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerMinute float64  `koanf:"requests_per_minute"`
	Burst             int      `koanf:"burst"`
	MaxRetries        int      `koanf:"max_retries"`
}

// EmbeddingConfig holds embedding provider and query-cache configuration.
type EmbeddingConfig struct {
	BaseURL         string   `koanf:"base_url"`
	APIKey          Secret   `koanf:"api_key"`
	Model           string   `koanf:"model"`
	Dimensions      int      `koanf:"dimensions"`
	Timeout         Duration `koanf:"timeout"`
	CacheTTL        Duration `koanf:"cache_ttl"`
	CacheMaxEntries int      `koanf:"cache_max_entries"`
}

// StoreConfig holds knowledge store configuration.
type StoreConfig struct {
	// Path is the directory for persistent storage.
	Path string `koanf:"path"`
	// Collection is the chromem collection name.
	Collection string `koanf:"collection"`
}

// PipelineConfig holds the retrieval pipeline knobs.
type PipelineConfig struct {
	SimilarityThreshold float64  `koanf:"similarity_threshold"`
	TopK                int      `koanf:"top_k"`
	FilterLimit         int      `koanf:"filter_limit"`
	RerankCandidates    int      `koanf:"rerank_candidates"`
	RerankCutoff        float64  `koanf:"rerank_cutoff"`
	HistoryTurns        int      `koanf:"history_turns"`
	ClassifyTimeout     Duration `koanf:"classify_timeout"`
	GenerateTimeout     Duration `koanf:"generate_timeout"`
}

// RateLimitConfig holds the chat entry-point rate limiter configuration.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerMinute float64 `koanf:"requests_per_minute"`
	Burst             int     `koanf:"burst"`
}

// NewDefault returns a Config populated with defaults.
func NewDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8484,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.anthropic.com",
			Model:             "claude-3-5-haiku-20241022",
			MaxTokens:         1024,
			Timeout:           Duration(30 * time.Second),
			RequestsPerMinute: 50,
			Burst:             5,
			MaxRetries:        3,
		},
		Embedding: EmbeddingConfig{
			BaseURL:         "https://api.openai.com/v1",
			Model:           "text-embedding-3-small",
			Dimensions:      768,
			Timeout:         Duration(15 * time.Second),
			CacheTTL:        Duration(time.Hour),
			CacheMaxEntries: 1000,
		},
		Store: StoreConfig{
			Path:       "~/.local/share/answerd/knowledge",
			Collection: "answerd_knowledge",
		},
		Pipeline: PipelineConfig{
			SimilarityThreshold: 0.3,
			TopK:                4,
			FilterLimit:         20,
			RerankCandidates:    10,
			RerankCutoff:        0.45,
			HistoryTurns:        5,
			ClassifyTimeout:     Duration(5 * time.Second),
			GenerateTimeout:     Duration(20 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 20,
			Burst:             5,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Pipeline.SimilarityThreshold < 0 || c.Pipeline.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in [0,1], got %f", c.Pipeline.SimilarityThreshold)
	}
	if c.Pipeline.RerankCutoff < 0 || c.Pipeline.RerankCutoff > 1 {
		return fmt.Errorf("rerank cutoff must be in [0,1], got %f", c.Pipeline.RerankCutoff)
	}
	if c.Pipeline.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.Pipeline.TopK)
	}
	if c.Pipeline.FilterLimit <= 0 {
		return fmt.Errorf("filter_limit must be positive, got %d", c.Pipeline.FilterLimit)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url is required")
	}
	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding base_url is required")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit requests_per_minute must be positive when enabled")
	}
	return nil
}
