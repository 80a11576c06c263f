// Package config provides YAML-based configuration for the advakod retrieval
// service. Configuration is loaded with a layered precedence:
// defaults → YAML file → env vars. Environment variables always win, so
// container deployments can override any file-provided value.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. ADVAKOD_CONFIG environment variable
//  3. ~/.advakod/config.yaml
//  4. ./advakod.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the LLM completion engine backend.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Qdrant configures the Qdrant vector index connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Redis configures the Redis result cache connection.
	Redis RedisConfig `yaml:"redis"`

	// Store configures the SQLite chunk store / keyword index.
	Store StoreConfig `yaml:"store"`

	// Retrieval configures the hybrid search and fusion stage.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Scheduler configures the inference request scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig holds LLM completion engine settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, gemini.
	// "openai" also covers any OpenAI-compatible endpoint (vLLM, LM Studio)
	// via BaseURL.
	Provider string `yaml:"provider"`

	// Name is the model name or deployment ID (e.g. "saiga-llama3-8b").
	Name string `yaml:"name"`

	// BaseURL overrides the default API endpoint (required for Ollama and
	// local vLLM deployments).
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication credential for the selected provider.
	APIKey string `yaml:"api_key"`

	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness (0.0–1.0).
	Temperature float32 `yaml:"temperature"`

	// TopP is the nucleus sampling parameter (0.0–1.0, 0 = backend default).
	TopP float32 `yaml:"top_p"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Endpoint is the OpenAI-compatible embeddings API base URL.
	Endpoint string `yaml:"endpoint"`
	// Model is the embedding model name (e.g. "multilingual-e5-large").
	Model string `yaml:"model"`
	// Dimensions is the fixed output vector length.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key, if the endpoint requires one.
	APIKey string `yaml:"api_key"`
}

// QdrantConfig holds Qdrant vector index settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name for legal chunks.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// RedisConfig holds Redis result cache settings.
type RedisConfig struct {
	// Addr is the Redis host:port. Empty disables the result cache.
	Addr string `yaml:"addr"`
	// Password is the Redis AUTH password. Prefer env var REDIS_PASSWORD.
	Password string `yaml:"password"`
	// DB is the Redis logical database number.
	DB int `yaml:"db"`
	// TTLSeconds is the result cache entry lifetime (default: 300).
	TTLSeconds int `yaml:"ttl_seconds"`
}

// StoreConfig holds SQLite chunk store settings.
type StoreConfig struct {
	// DBPath is the SQLite database path. ":memory:" for tests.
	DBPath string `yaml:"db_path"`
}

// RetrievalConfig holds hybrid search tuning parameters.
type RetrievalConfig struct {
	// VectorTopK is the candidate count requested from the vector index (default: 20).
	VectorTopK int `yaml:"vector_top_k"`
	// KeywordTopK is the candidate count requested from the keyword index (default: 20).
	KeywordTopK int `yaml:"keyword_top_k"`
	// RRFConstant is the smoothing constant k in 1/(k+rank) (default: 60).
	RRFConstant int `yaml:"rrf_constant"`
	// RerankTopK is the result count kept after re-ranking (default: 5).
	RerankTopK int `yaml:"rerank_top_k"`
	// ContextTokens is the token budget for retrieved context in the prompt
	// (default: 3000).
	ContextTokens int `yaml:"context_tokens"`
}

// SchedulerConfig holds inference request scheduler settings.
type SchedulerConfig struct {
	// MaxConcurrency is the number of requests allowed to run against the
	// engine simultaneously (default: 2). The engine holds the full model in
	// memory; values above 3 are rarely safe on a single GPU.
	MaxConcurrency int `yaml:"max_concurrency"`
	// QueueCapacity is the bounded admission queue size (default: 50).
	// Submissions beyond this are rejected, not buffered.
	QueueCapacity int `yaml:"queue_capacity"`
	// RequestTimeoutSeconds is the per-request wall-clock generation timeout
	// (default: 900). Large-model generation legitimately takes minutes.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// HistorySize is the number of terminal requests retained for metrics
	// inspection (default: 256).
	HistorySize int `yaml:"history_size"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var ADVAKOD_API_KEY.
	APIKey string `yaml:"api_key"`
	// RateLimit is the sustained per-IP request rate (requests/second).
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the maximum per-IP burst.
	RateBurst int `yaml:"rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TTL returns the configured cache TTL as a duration.
func (r RedisConfig) TTL() time.Duration {
	if r.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.TTLSeconds) * time.Second
}

// RequestTimeout returns the configured generation timeout as a duration.
func (s SchedulerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// applyDefaults fills zero-valued fields with documented defaults.
func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 2048
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.2
	}
	if c.Embedding.Endpoint == "" {
		c.Embedding.Endpoint = "http://localhost:8081/v1"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "multilingual-e5-large"
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = 1024
	}
	if c.Qdrant.Host == "" {
		c.Qdrant.Host = "localhost"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = "legal_chunks"
	}
	if c.Redis.TTLSeconds == 0 {
		c.Redis.TTLSeconds = 300
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = defaultDBPath()
	}
	if c.Retrieval.VectorTopK == 0 {
		c.Retrieval.VectorTopK = 20
	}
	if c.Retrieval.KeywordTopK == 0 {
		c.Retrieval.KeywordTopK = 20
	}
	if c.Retrieval.RRFConstant == 0 {
		c.Retrieval.RRFConstant = 60
	}
	if c.Retrieval.RerankTopK == 0 {
		c.Retrieval.RerankTopK = 5
	}
	if c.Retrieval.ContextTokens == 0 {
		c.Retrieval.ContextTokens = 3000
	}
	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = 2
	}
	if c.Scheduler.QueueCapacity == 0 {
		c.Scheduler.QueueCapacity = 50
	}
	if c.Scheduler.RequestTimeoutSeconds == 0 {
		c.Scheduler.RequestTimeoutSeconds = 900
	}
	if c.Scheduler.HistorySize == 0 {
		c.Scheduler.HistorySize = 256
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 10
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 20
	}
}

// Validate checks ranges on fields where a nonsense value would fail at
// runtime in a hard-to-diagnose way. Returns a descriptive error on the
// first violation.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("config: scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.QueueCapacity < 1 {
		return fmt.Errorf("config: scheduler.queue_capacity must be >= 1, got %d", c.Scheduler.QueueCapacity)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("config: model.temperature must be in [0, 2], got %g", c.Model.Temperature)
	}
	if c.Model.TopP < 0 || c.Model.TopP > 1 {
		return fmt.Errorf("config: model.top_p must be in [0, 1], got %g", c.Model.TopP)
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("config: embedding.dimensions must be >= 1, got %d", c.Embedding.Dimensions)
	}
	if c.Retrieval.RRFConstant < 1 {
		return fmt.Errorf("config: retrieval.rrf_constant must be >= 1, got %d", c.Retrieval.RRFConstant)
	}
	if c.Redis.TTLSeconds < 1 {
		return fmt.Errorf("config: redis.ttl_seconds must be >= 1, got %d", c.Redis.TTLSeconds)
	}
	return nil
}

// Load reads the configuration file (if any), applies env var overrides,
// fills defaults, and validates the result. explicit is the --config flag
// value; pass "" to use the standard search order. The returned path is the
// resolved config file, or "" when running from env/defaults only.
func Load(explicit string, log *slog.Logger) (*Config, string, error) {
	cfg := &Config{}

	path := resolveConfigPath(explicit)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Info("config: loaded YAML config", slog.String("path", path))
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, path, nil
}

// applyEnvOverrides replaces config values with env vars where set.
// Env vars always take precedence over YAML-provided values.
func (c *Config) applyEnvOverrides() {
	setStr(&c.Model.Provider, "MODEL_PROVIDER")
	setStr(&c.Model.Name, "MODEL_NAME")
	setStr(&c.Model.BaseURL, "MODEL_BASE_URL")
	setStr(&c.Model.APIKey, "MODEL_API_KEY")
	setInt(&c.Model.MaxTokens, "MODEL_MAX_TOKENS")
	setFloat32(&c.Model.Temperature, "MODEL_TEMPERATURE")
	setFloat32(&c.Model.TopP, "MODEL_TOP_P")

	setStr(&c.Embedding.Endpoint, "EMBEDDING_ENDPOINT")
	setStr(&c.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&c.Embedding.Dimensions, "EMBEDDING_DIMENSIONS")
	setStr(&c.Embedding.APIKey, "EMBEDDING_API_KEY")

	setStr(&c.Qdrant.Host, "QDRANT_HOST")
	setInt(&c.Qdrant.Port, "QDRANT_PORT")
	setStr(&c.Qdrant.Collection, "QDRANT_COLLECTION")
	setStr(&c.Qdrant.APIKey, "QDRANT_API_KEY")
	setBool(&c.Qdrant.TLS, "QDRANT_TLS")

	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setInt(&c.Redis.TTLSeconds, "CACHE_TTL_SECONDS")

	setStr(&c.Store.DBPath, "ADVAKOD_DB_PATH")

	setInt(&c.Retrieval.VectorTopK, "RETRIEVAL_VECTOR_TOP_K")
	setInt(&c.Retrieval.KeywordTopK, "RETRIEVAL_KEYWORD_TOP_K")
	setInt(&c.Retrieval.RRFConstant, "RETRIEVAL_RRF_CONSTANT")
	setInt(&c.Retrieval.RerankTopK, "RETRIEVAL_RERANK_TOP_K")
	setInt(&c.Retrieval.ContextTokens, "RETRIEVAL_CONTEXT_TOKENS")

	setInt(&c.Scheduler.MaxConcurrency, "SCHEDULER_MAX_CONCURRENCY")
	setInt(&c.Scheduler.QueueCapacity, "SCHEDULER_QUEUE_CAPACITY")
	setInt(&c.Scheduler.RequestTimeoutSeconds, "SCHEDULER_REQUEST_TIMEOUT_SECONDS")
	setInt(&c.Scheduler.HistorySize, "SCHEDULER_HISTORY_SIZE")

	setStr(&c.Server.Host, "ADVAKOD_HOST")
	setInt(&c.Server.Port, "ADVAKOD_PORT")
	setStr(&c.Server.APIKey, "ADVAKOD_API_KEY")

	setStr(&c.Logging.Level, "LOG_LEVEL")
	setStr(&c.Logging.Format, "LOG_FORMAT")
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("ADVAKOD_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".advakod", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("advakod.yaml"); err == nil {
		return "advakod.yaml"
	}

	return ""
}

// defaultDBPath resolves to ~/.advakod/chunks.db, falling back to a relative
// path when the home directory cannot be determined.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "advakod-chunks.db"
	}
	return filepath.Join(home, ".advakod", "chunks.db")
}

// setStr overrides dst with the named env var when it is set and non-empty.
func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setInt overrides dst with the named env var when it parses as an integer.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			*dst = i
		}
	}
}

// setFloat32 overrides dst with the named env var when it parses as a float.
func setFloat32(dst *float32, key string) {
	if v := os.Getenv(key); v != "" {
		var f float32
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			*dst = f
		}
	}
}

// setBool overrides dst when the named env var is a truthy string.
func setBool(dst *bool, key string) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}
