package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/aurora-rag/internal/audit"
	"github.com/54b3r/aurora-rag/internal/config"
	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/embedder"
	"github.com/54b3r/aurora-rag/internal/indexstore"
	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/provider"
	"github.com/54b3r/aurora-rag/internal/server"
	"github.com/54b3r/aurora-rag/internal/tracing"
	"github.com/54b3r/aurora-rag/internal/version"
	"github.com/54b3r/aurora-rag/internal/watch"
)

// NewServeCmd constructs the `aurora serve` command, which starts the HTTP
// server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var waitIndex bool
	var watchFallback bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Aurora HTTP server",
		Long: `Start the Aurora HTTP server.

The index is restored from the configured store or built from the corpus
in the background; /ask waits for that first build instead of failing.
Use --wait-index to finish the build before the listener opens.
With --watch, edits to the fallback corpus file trigger a rebuild while
the active index was built from that file.

Endpoints:
  GET  /ask?question=...[&stream=true]
  GET  /debug, /names
  GET  /api/health, /api/ready, /api/index
  POST /api/index/rebuild
  GET  /metrics

Examples:
  aurora serve
  aurora serve --port 9000
  MODEL_PROVIDER=openai AURORA_INDEX_STORE=sqlite aurora serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)
			log.Info("serve starting",
				slog.String("version", version.Version),
				slog.String("provider", os.Getenv("MODEL_PROVIDER")),
			)

			// Langfuse tracing is opt-in and a no-op when keys are absent.
			flush, traced := tracing.Install(tracing.ConfigFromEnv("aurora", version.Version))
			defer flush()
			if traced {
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			deps, err := buildEngine(log, prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer deps.Close()

			svc, providerCfg, err := buildQueryService(ctx, log, deps.engine)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			initIndex := func(ctx context.Context) error {
				return runIndexAction(ctx, log, deps.engine, audit.ActionBuild, "startup", deps.engine.Init)
			}
			var initWG sync.WaitGroup
			if waitIndex {
				if err := initIndex(ctx); err != nil {
					return fmt.Errorf("serve: index: %w", err)
				}
			} else {
				initWG.Go(func() {
					if err := initIndex(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error("index build failed; /ask unavailable until a rebuild succeeds", slog.Any("error", err))
					}
				})
			}

			if watchFallback || config.Bool("AURORA_WATCH_FALLBACK", false) {
				fw, err := startFallbackWatch(ctx, log, deps)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				defer fw.Stop()
			}

			// Explicit flags beat SERVER_HOST/SERVER_PORT.
			if !cmd.Flags().Changed("host") {
				host = config.String("SERVER_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = config.Int("SERVER_PORT", port)
			}

			srv, err := server.New(server.Backends{
				Asker:  server.QueryAsker(svc),
				Index:  deps.engine,
				Corpus: deps.source,
			}, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   buildPingers(deps, providerCfg),
				RateLimit: config.Float("AURORA_RATE_LIMIT", 0),
				RateBurst: config.Int("AURORA_RATE_BURST", 0),

				RebuildRateLimit: config.Float("AURORA_REBUILD_RATE_LIMIT", 0),
				RebuildRateBurst: config.Int("AURORA_REBUILD_RATE_BURST", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}
			err = srv.Start(ctx)
			stop()
			initWG.Wait()
			deps.engine.Wait()
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (default from SERVER_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "TCP port to listen on (default from SERVER_PORT)")
	cmd.Flags().BoolVar(&waitIndex, "wait-index", false, "Build or restore the index before accepting requests")
	cmd.Flags().BoolVar(&watchFallback, "watch", false, "Rebuild when the fallback corpus file changes (default from AURORA_WATCH_FALLBACK)")

	return cmd
}

// startFallbackWatch rebuilds the index whenever the fallback corpus file
// changes and the active index came from it.
func startFallbackWatch(ctx context.Context, log *slog.Logger, deps *engineDeps) (*watch.FileWatcher, error) {
	onChange := func(ctx context.Context) {
		if got := deps.engine.Status().Corpus; got != corpus.OutcomeFallbackUsed.String() {
			log.Info("fallback corpus changed; active index uses another corpus, skipping rebuild",
				slog.String("corpus", got))
			return
		}
		err := runIndexAction(ctx, log, deps.engine, audit.ActionRebuild, "watch", deps.engine.Rebuild)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("rebuild after fallback change failed", slog.Any("error", err))
		}
	}
	fw, err := watch.New(deps.source.FallbackPath(), onChange,
		watch.WithDebounce(config.Duration("AURORA_WATCH_DEBOUNCE", watch.DefaultDebounce)),
		watch.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	if err := fw.Start(ctx); err != nil {
		return nil, err
	}
	return fw, nil
}

// buildPingers assembles the readiness checks for the configured backends.
func buildPingers(deps *engineDeps, providerCfg *provider.Config) []server.Pinger {
	pingers := []server.Pinger{server.NewIndexPinger(deps.engine)}

	if qs, ok := deps.store.(*indexstore.QdrantStore); ok {
		pingers = append(pingers, server.NewQdrantPinger(qs.Client()))
	}

	var ollamaHosts []string
	if providerCfg.Backend == provider.BackendOllama {
		ollamaHosts = append(ollamaHosts, providerCfg.Ollama.Host)
	}
	if embCfg := embedder.ConfigFromEnv(); embCfg.Backend == embedder.BackendOllama {
		ollamaHosts = append(ollamaHosts, embCfg.Endpoint)
	}
	for i := range ollamaHosts {
		ollamaHosts[i] = strings.TrimRight(ollamaHosts[i], "/")
	}
	slices.Sort(ollamaHosts)
	for i, h := range slices.Compact(ollamaHosts) {
		name := "ollama"
		if i > 0 {
			name = fmt.Sprintf("ollama-%d", i+1)
		}
		pingers = append(pingers, server.NewHTTPPinger(name, http.MethodGet, h+"/api/version"))
	}

	// The remote corpus is a hard dependency only when there is no fallback file.
	fallback := config.String("AURORA_CORPUS_FALLBACK", corpus.DefaultFallbackPath)
	if _, err := os.Stat(fallback); err != nil {
		pingers = append(pingers, server.NewHTTPPinger("corpus", http.MethodHead, deps.source.URL()))
	}

	return pingers
}
