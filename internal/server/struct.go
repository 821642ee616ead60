package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/retrieval"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8000).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It must
	// cover a whole streamed answer.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency checks run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on /ask
	// (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// RebuildRateLimit is the sustained rate per IP on POST /api/index/rebuild.
	// Defaults to 0.1 (one request every ten seconds) if zero.
	RebuildRateLimit float64
	// RebuildRateBurst is the rebuild trigger's burst per IP. Defaults to 2 if zero.
	RebuildRateBurst int
	// RebuildTimeout bounds an HTTP-triggered rebuild. Defaults to 10m.
	RebuildTimeout time.Duration
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Fragments is a pull-based answer stream.
type Fragments interface {
	// Recv returns the next fragment, or io.EOF at the end of the answer.
	Recv() (string, error)
	// Close releases the generator and stops production.
	Close()
}

// Asker answers questions. QueryAsker adapts *query.Service.
type Asker interface {
	Answer(ctx context.Context, question string) (string, error)
	StreamAnswer(ctx context.Context, question string) (Fragments, error)
}

// IndexController exposes the retrieval engine's admin surface.
// *retrieval.Engine satisfies it.
type IndexController interface {
	Status() retrieval.Status
	Rebuild(ctx context.Context) error
}

// CorpusSource fetches the corpus for the introspection endpoints.
// *corpus.Source satisfies it.
type CorpusSource interface {
	Fetch(ctx context.Context) (*corpus.Result, error)
}

// Backends are the collaborators the handlers call into.
type Backends struct {
	// Asker serves /ask. Required.
	Asker Asker
	// Index serves /api/index and the rebuild trigger. Required.
	Index IndexController
	// Corpus serves /debug and /names. Required.
	Corpus CorpusSource
}

// Server is the HTTP surface of the question answering service.
type Server struct {
	// backends are the domain collaborators.
	backends Backends
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency checks for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askResponse is the JSON body of a non-streaming /ask.
type askResponse struct {
	Answer string `json:"answer"`
}

// errorResponse is the JSON body of every handler error.
type errorResponse struct {
	Error string `json:"error"`
	// Stage is "retrieval" or "answer" when a question failed mid-pipeline.
	Stage string `json:"stage,omitempty"`
}

// debugResponse is the JSON body of GET /debug.
type debugResponse struct {
	Count  int             `json:"count"`
	Sample []corpus.Record `json:"sample"`
	Source string          `json:"source"`
}

// namesResponse is the JSON body of GET /names.
type namesResponse struct {
	UniqueNames []string `json:"unique_names"`
	Count       int      `json:"count"`
}

// rootResponse is the JSON body of GET /.
type rootResponse struct {
	Message   string            `json:"message"`
	Endpoints map[string]string `json:"endpoints"`
}

// rebuildResponse is the JSON body of POST /api/index/rebuild.
type rebuildResponse struct {
	Status   retrieval.Status `json:"status"`
	Duration string           `json:"duration"`
}
