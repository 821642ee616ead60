// Package server implements the HTTP surface of the Aurora question answering
// service: /ask (JSON or a streamed text answer), corpus introspection,
// index administration, health, readiness and Prometheus metrics.
// The server is started by the `aurora serve` CLI command.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/aurora-rag/internal/logging"
)

// New constructs a Server from the provided backends and config.
func New(b Backends, cfg *Config) (*Server, error) {
	if b.Asker == nil || b.Index == nil || b.Corpus == nil {
		return nil, fmt.Errorf("server: asker, index and corpus backends are required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Must be long enough for a streamed answer.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.RebuildRateLimit == 0 {
		cfg.RebuildRateLimit = defaultRebuildLimit
	}
	if cfg.RebuildRateBurst == 0 {
		cfg.RebuildRateBurst = defaultRebuildBurst
	}
	if cfg.RebuildTimeout == 0 {
		cfg.RebuildTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		backends: b,
		cfg:      cfg,
		log:      cfg.Logger,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
	}

	rl, stop := newRateLimiter(map[string]RouteLimit{
		routeAsk:     {RPS: cfg.RateLimit, Burst: cfg.RateBurst},
		routeRebuild: {RPS: cfg.RebuildRateLimit, Burst: cfg.RebuildRateBurst},
	}, s.log, s.metrics.observeRateLimited)
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(rl),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// routes builds the handler tree: request logging outermost, then metrics,
// then the mux. /ask and the rebuild trigger are rate limited under separate
// policies.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("GET /ask", rl.limit(routeAsk, http.HandlerFunc(s.handleAsk)))
	mux.HandleFunc("GET /debug", s.handleDebug)
	mux.HandleFunc("GET /names", s.handleNames)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.HandleFunc("GET /api/index", s.handleIndexStatus)
	mux.Handle("POST /api/index/rebuild", rl.limit(routeRebuild, http.HandlerFunc(s.handleIndexRebuild)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	return requestLogger(s.log, s.metrics.instrument(mux))
}

// Handler returns the root handler. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server: shutting down", slog.Duration("timeout", s.cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}
