// Package config provides layered configuration for aurora.
// Precedence: defaults → YAML file → .env file → process env. Process env
// always wins, so every setting can be overridden per invocation.
//
// YAML file search order:
//  1. --config CLI flag (explicit path)
//  2. AURORA_CONFIG environment variable
//  3. ~/.aurora/config.yaml
//  4. ./aurora.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the chat model that writes answers.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding backend.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Corpus configures where member messages are fetched from.
	Corpus CorpusConfig `yaml:"corpus"`

	// Index configures persistence and reuse of the vector index.
	Index IndexConfig `yaml:"index"`

	// Retrieval configures question answering.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Qdrant configures the Qdrant index store.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, anthropic, ark, gemini.
	Provider string `yaml:"provider"`
	// MaxTokens caps the answer length.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32 `yaml:"temperature"`

	Ollama    OllamaConfig    `yaml:"ollama"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Azure     AzureConfig     `yaml:"azure"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ark       ArkConfig       `yaml:"ark"`
	Gemini    GeminiConfig    `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
	// EmbeddingDeployment is the deployment used for embeddings.
	EmbeddingDeployment string `yaml:"embedding_deployment"`
}

// AnthropicConfig holds Anthropic provider settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. Prefer env var ANTHROPIC_API_KEY.
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ArkConfig holds Volcengine Ark provider settings.
type ArkConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// EmbeddingConfig holds embedding backend settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure).
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// Dimensions requests shortened vectors on openai/azure.
	Dimensions int `yaml:"dimensions"`
	// BatchSize caps the texts sent per embedding request.
	BatchSize int `yaml:"batch_size"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// CorpusConfig holds corpus fetch settings.
type CorpusConfig struct {
	// URL is the remote messages endpoint.
	URL string `yaml:"url"`
	// Fallback is the local JSON file used when the remote fetch fails.
	Fallback string `yaml:"fallback"`
	// Timeout bounds the remote fetch, as a Go duration string.
	Timeout string `yaml:"timeout"`
}

// IndexConfig holds index persistence settings.
type IndexConfig struct {
	// Store selects the backend: file, sqlite, qdrant.
	Store string `yaml:"store"`
	// CacheDir is the file store directory.
	CacheDir string `yaml:"cache_dir"`
	// SQLitePath is the sqlite store database path.
	SQLitePath string `yaml:"sqlite_path"`
	// Staleness is fingerprint or existence.
	Staleness string `yaml:"staleness"`
}

// RetrievalConfig holds question answering settings.
type RetrievalConfig struct {
	TopK          int    `yaml:"top_k"`
	EmbedTimeout  string `yaml:"embed_timeout"`
	AnswerTimeout string `yaml:"answer_timeout"`
	// ContextTokens caps the estimated prompt size, system prompt and
	// question included. Zero keeps the default.
	ContextTokens int `yaml:"context_tokens"`
}

// QdrantConfig holds Qdrant index store settings.
type QdrantConfig struct {
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the alias the active snapshot collection is published under.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RateLimit is the sustained per-client request rate on /ask.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the per-client burst allowance.
	RateBurst int `yaml:"rate_burst"`
	// RebuildRateLimit is the sustained per-client rate on the rebuild trigger.
	RebuildRateLimit float64 `yaml:"rebuild_rate_limit"`
	// RebuildRateBurst is the rebuild trigger's per-client burst allowance.
	RebuildRateBurst int `yaml:"rebuild_rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"AZURE_OPENAI_EMBEDDING_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.EmbeddingDeployment }},
	{"ANTHROPIC_API_KEY", func(c *Config) string { return c.Model.Anthropic.APIKey }},
	{"ANTHROPIC_MODEL", func(c *Config) string { return c.Model.Anthropic.Model }},
	{"ANTHROPIC_BASE_URL", func(c *Config) string { return c.Model.Anthropic.BaseURL }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_BATCH_SIZE", func(c *Config) string { return intStr(c.Embedding.BatchSize) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"AURORA_CORPUS_URL", func(c *Config) string { return c.Corpus.URL }},
	{"AURORA_CORPUS_FALLBACK", func(c *Config) string { return c.Corpus.Fallback }},
	{"AURORA_CORPUS_TIMEOUT", func(c *Config) string { return c.Corpus.Timeout }},
	{"AURORA_INDEX_STORE", func(c *Config) string { return c.Index.Store }},
	{"AURORA_CACHE_DIR", func(c *Config) string { return c.Index.CacheDir }},
	{"AURORA_SQLITE_PATH", func(c *Config) string { return c.Index.SQLitePath }},
	{"AURORA_STALENESS", func(c *Config) string { return c.Index.Staleness }},
	{"AURORA_TOP_K", func(c *Config) string { return intStr(c.Retrieval.TopK) }},
	{"AURORA_EMBED_TIMEOUT", func(c *Config) string { return c.Retrieval.EmbedTimeout }},
	{"AURORA_ANSWER_TIMEOUT", func(c *Config) string { return c.Retrieval.AnswerTimeout }},
	{"AURORA_CONTEXT_TOKENS", func(c *Config) string { return intStr(c.Retrieval.ContextTokens) }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"SERVER_HOST", func(c *Config) string { return c.Server.Host }},
	{"SERVER_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"AURORA_RATE_LIMIT", func(c *Config) string { return float64Str(c.Server.RateLimit) }},
	{"AURORA_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"AURORA_REBUILD_RATE_LIMIT", func(c *Config) string { return float64Str(c.Server.RebuildRateLimit) }},
	{"AURORA_REBUILD_RATE_BURST", func(c *Config) string { return intStr(c.Server.RebuildRateBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load applies the .env file (if present) and then the YAML config file as
// environment variables. Existing env vars are never overwritten, and the
// .env file wins over YAML. Returns the YAML path that was loaded, or empty
// string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	if _, err := LoadDotEnv(log, ".env"); err != nil {
		return "", err
	}

	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// LoadDotEnv loads each existing dotenv file into the process environment
// without overriding variables that are already set. Missing files are
// skipped. It returns the files that were loaded.
func LoadDotEnv(log *slog.Logger, paths ...string) ([]string, error) {
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("config: failed to load %s: %w", p, err)
		}
		log.Debug("config: loaded dotenv file", slog.String("path", p))
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("AURORA_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".aurora", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("aurora.yaml"); err == nil {
		return "aurora.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

func float64Str(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
