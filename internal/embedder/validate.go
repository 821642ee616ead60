package embedder

import (
	"log/slog"
	"os"
	"strings"
)

// knownChatModelPrefixes are name fragments of chat/completion models that are
// not embedding models.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Preflight validates cfg and logs warnings for settings that work but are
// probably wrong: an embedding backend silently inherited from a chat-only
// provider, or a model name that looks like a chat model. Call it at startup
// so operators get a clear message rather than a failure on the first build.
func Preflight(log *slog.Logger, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if os.Getenv("EMBEDDING_PROVIDER") == "" {
		if p := strings.ToLower(os.Getenv("MODEL_PROVIDER")); p != "" && p != cfg.Backend {
			log.Warn("embedder: EMBEDDING_PROVIDER is not set and MODEL_PROVIDER has no embeddings backend, using "+cfg.Backend,
				slog.String("model_provider", p),
				slog.String("hint", "set EMBEDDING_PROVIDER=ollama (or openai/azure) to be explicit"),
			)
		}
	}

	if looksLikeChatModel(cfg.Model) {
		log.Warn("embedder: embedding model looks like a chat model, retrieval quality will suffer",
			slog.String("model", cfg.Model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
	return nil
}
