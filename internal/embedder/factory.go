package embedder

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	defaultOllamaHost      = "http://localhost:11434"
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultAzureAPIVersion = "2025-04-01-preview"
)

// Backends supported by New.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
	BackendAzure  = "azure"
)

// Config is the resolved embedding configuration.
type Config struct {
	// Backend is one of ollama, openai, azure.
	Backend string
	// Model is the embedding model, or the deployment name on Azure.
	Model string
	// Endpoint is the Ollama host, OpenAI base URL or Azure resource endpoint.
	Endpoint string
	// APIKey authenticates openai and azure requests.
	APIKey string
	// APIVersion is the Azure API version.
	APIVersion string
	// Dimensions requests a shortened vector on openai/azure (0 = default).
	Dimensions int
	// BatchSize caps the texts per request (0 = backend default).
	BatchSize int
}

// ConfigFromEnv resolves the embedding configuration, inheriting from the chat
// provider settings when embedding-specific overrides are not set.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER, else MODEL_PROVIDER when it names an embedding
//     backend, else ollama
//  2. EMBEDDING_MODEL overrides the backend's default model
//  3. EMBEDDING_API_KEY overrides the inherited API key
//  4. EMBEDDING_ENDPOINT overrides the inherited endpoint
//  5. EMBEDDING_DIMENSIONS and EMBEDDING_BATCH_SIZE
func ConfigFromEnv() Config {
	cfg := Config{
		Backend:    resolveBackend(),
		Model:      getEnv("EMBEDDING_MODEL"),
		Endpoint:   getEnv("EMBEDDING_ENDPOINT"),
		APIKey:     getEnv("EMBEDDING_API_KEY"),
		Dimensions: getEnvInt("EMBEDDING_DIMENSIONS", 0),
		BatchSize:  getEnvInt("EMBEDDING_BATCH_SIZE", 0),
	}

	switch cfg.Backend {
	case BackendOllama:
		cfg.Endpoint = firstNonEmpty(cfg.Endpoint, getEnv("OLLAMA_HOST"), defaultOllamaHost)
		cfg.Model = firstNonEmpty(cfg.Model, defaultOllamaModel)
	case BackendOpenAI:
		cfg.Endpoint = firstNonEmpty(cfg.Endpoint, defaultOpenAIBaseURL)
		cfg.APIKey = firstNonEmpty(cfg.APIKey, getEnv("OPENAI_API_KEY"))
		cfg.Model = firstNonEmpty(cfg.Model, defaultOpenAIModel)
	case BackendAzure:
		cfg.Endpoint = firstNonEmpty(cfg.Endpoint, getEnv("AZURE_OPENAI_ENDPOINT"))
		cfg.APIKey = firstNonEmpty(cfg.APIKey, getEnv("AZURE_OPENAI_API_KEY"))
		cfg.APIVersion = getEnvOrDefault("AZURE_OPENAI_API_VERSION", defaultAzureAPIVersion)
		cfg.Model = firstNonEmpty(cfg.Model, getEnv("AZURE_OPENAI_EMBEDDING_DEPLOYMENT"), defaultOpenAIModel)
	}
	return cfg
}

// resolveBackend picks the embedding backend. Chat-only providers such as
// anthropic or ark have no embeddings API here, so they fall back to ollama.
func resolveBackend() string {
	if b := getEnv("EMBEDDING_PROVIDER"); b != "" {
		return strings.ToLower(b)
	}
	switch p := strings.ToLower(getEnv("MODEL_PROVIDER")); p {
	case BackendOpenAI, BackendAzure:
		return p
	}
	return BackendOllama
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if c.Endpoint == "" {
			return fmt.Errorf("embedder: ollama requires OLLAMA_HOST or EMBEDDING_ENDPOINT")
		}
	case BackendOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case BackendAzure:
		if c.APIKey == "" {
			return fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if c.Endpoint == "" {
			return fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	default:
		return fmt.Errorf("embedder: unknown backend %q (valid: ollama, openai, azure)", c.Backend)
	}
	if c.Dimensions < 0 {
		return fmt.Errorf("embedder: EMBEDDING_DIMENSIONS must not be negative, got %d", c.Dimensions)
	}
	return nil
}

// New constructs the Embedder described by cfg.
func New(cfg Config) (Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendOllama:
		return NewOllamaEmbedder(&OllamaConfig{
			Host:      cfg.Endpoint,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		}), nil
	case BackendOpenAI:
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		}), nil
	default:
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    strings.TrimRight(cfg.Endpoint, "/") + "/openai",
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Azure:      true,
			APIVersion: cfg.APIVersion,
			BatchSize:  cfg.BatchSize,
		}), nil
	}
}

// NewFromEnv constructs an Embedder from environment variables.
func NewFromEnv() (Embedder, error) {
	return New(ConfigFromEnv())
}

func getEnv(key string) string {
	return os.Getenv(key)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of key, or fallback if the variable is
// unset or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
