package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/aurora-rag/internal/answer"
	"github.com/54b3r/aurora-rag/internal/budget"
	"github.com/54b3r/aurora-rag/internal/config"
	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/embedder"
	"github.com/54b3r/aurora-rag/internal/indexstore"
	"github.com/54b3r/aurora-rag/internal/provider"
	"github.com/54b3r/aurora-rag/internal/query"
	"github.com/54b3r/aurora-rag/internal/retrieval"
	"github.com/54b3r/aurora-rag/internal/version"
)

// Index store backends selected by AURORA_INDEX_STORE.
const (
	storeFile   = "file"
	storeSQLite = "sqlite"
	storeQdrant = "qdrant"
)

// dataDir returns ~/.aurora, creating it if needed.
func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".aurora")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}
	return dir, nil
}

// defaultPath returns the value of key, or name under dataDir when unset.
func defaultPath(key, name string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// buildStore opens the index store selected by AURORA_INDEX_STORE.
func buildStore(log *slog.Logger) (indexstore.Store, error) {
	backend := strings.ToLower(config.String("AURORA_INDEX_STORE", storeFile))
	switch backend {
	case storeFile:
		dir, err := defaultPath("AURORA_CACHE_DIR", "index")
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		log.Info("index store: file", slog.String("dir", dir))
		return indexstore.NewFileStore(dir), nil

	case storeSQLite:
		path, err := defaultPath("AURORA_SQLITE_PATH", "index.db")
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		st, err := indexstore.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		log.Info("index store: sqlite", slog.String("path", path))
		return st, nil

	case storeQdrant:
		cfg := &indexstore.QdrantConfig{
			Host:       config.String("QDRANT_HOST", "localhost"),
			Port:       config.Int("QDRANT_PORT", 6334),
			Collection: config.String("QDRANT_COLLECTION", "aurora-messages"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     config.Bool("QDRANT_TLS", false),
		}
		st, err := indexstore.NewQdrantStore(cfg)
		if err != nil {
			return nil, err
		}
		log.Info("index store: qdrant",
			slog.String("host", cfg.Host),
			slog.Int("port", cfg.Port),
			slog.String("collection", cfg.Collection),
		)
		return st, nil

	default:
		return nil, fmt.Errorf("unknown index store %q, valid values: file, sqlite, qdrant", backend)
	}
}

// buildSource constructs the corpus source from AURORA_CORPUS_*.
func buildSource() *corpus.Source {
	return corpus.NewSource(&corpus.Config{
		URL:          config.String("AURORA_CORPUS_URL", corpus.DefaultURL),
		FallbackPath: config.String("AURORA_CORPUS_FALLBACK", corpus.DefaultFallbackPath),
		Timeout:      config.Duration("AURORA_CORPUS_TIMEOUT", 0),
		UserAgent:    "aurora-rag/" + version.Version,
	})
}

// buildEmbedder resolves and preflights the embedding backend.
func buildEmbedder(log *slog.Logger) (embedder.Embedder, error) {
	cfg := embedder.ConfigFromEnv()
	if err := embedder.Preflight(log, cfg); err != nil {
		return nil, err
	}
	emb, err := embedder.New(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("embedder initialised",
		slog.String("backend", cfg.Backend),
		slog.String("model", emb.Model()),
	)
	return emb, nil
}

// engineDeps are the collaborators behind a retrieval engine.
type engineDeps struct {
	engine   *retrieval.Engine
	store    indexstore.Store
	source   *corpus.Source
	embedder embedder.Embedder
}

// Close releases the index store.
func (d *engineDeps) Close() {
	_ = d.store.Close()
}

// buildEngine wires store, corpus source and embedder into an engine. Init
// is left to the caller. reg may be nil.
func buildEngine(log *slog.Logger, reg prometheus.Registerer) (*engineDeps, error) {
	staleness, err := retrieval.ParseStaleness(os.Getenv("AURORA_STALENESS"))
	if err != nil {
		return nil, err
	}
	emb, err := buildEmbedder(log)
	if err != nil {
		return nil, err
	}
	st, err := buildStore(log)
	if err != nil {
		return nil, err
	}
	src := buildSource()

	engine, err := retrieval.New(retrieval.Config{
		Store:          st,
		Source:         src,
		Embedder:       emb,
		EmbeddingModel: emb.Model(),
		Staleness:      staleness,
		EmbedTimeout:   config.Duration("AURORA_EMBED_TIMEOUT", 0),
		Registerer:     reg,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &engineDeps{engine: engine, store: st, source: src, embedder: emb}, nil
}

// buildQueryService wires the chat model and the engine into a query service.
func buildQueryService(ctx context.Context, log *slog.Logger, engine *retrieval.Engine) (*query.Service, *provider.Config, error) {
	chatModel, providerCfg, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	log.Info("provider initialised",
		slog.String("provider", string(providerCfg.Backend)),
		slog.String("model", providerCfg.ModelName()),
	)

	gen, err := answer.New(answer.Config{
		Model:     chatModel,
		MaxTokens: providerCfg.Tuning.MaxTokens,
	})
	if err != nil {
		return nil, nil, err
	}

	svc, err := query.New(query.Config{
		Retriever:        engine,
		Answerer:         gen,
		TopK:             config.Int("AURORA_TOP_K", query.DefaultTopK),
		AnswerTimeout:    config.Duration("AURORA_ANSWER_TIMEOUT", query.DefaultAnswerTimeout),
		MaxContextTokens: config.Int("AURORA_CONTEXT_TOKENS", budget.DefaultMaxContextTokens),
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, providerCfg, nil
}
