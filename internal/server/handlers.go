package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/aurora-rag/internal/audit"
	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/logging"
)

// debugSampleSize is how many records GET /debug returns.
const debugSampleSize = 3

// handleRoot handles GET / with a discovery stub.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Message: "Aurora RAG API is live",
		Endpoints: map[string]string{
			"ask":     "/ask?question=Your%20Query",
			"stream":  "/ask?question=Your%20Query&stream=true",
			"debug":   "/debug",
			"names":   "/names",
			"health":  "/api/health",
			"ready":   "/api/ready",
			"index":   "/api/index",
			"rebuild": "POST /api/index/rebuild",
			"metrics": "/metrics",
		},
	})
}

// fetchCorpus fetches the corpus for an introspection handler, writing a 503
// and returning nil when no corpus is available.
func (s *Server) fetchCorpus(w http.ResponseWriter, r *http.Request) *corpus.Result {
	res, err := s.backends.Corpus.Fetch(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Warn("corpus unavailable", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return nil
	}
	return res
}

// handleDebug handles GET /debug: corpus size, the first records and where
// the corpus came from.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	res := s.fetchCorpus(w, r)
	if res == nil {
		return
	}
	sample := res.Records[:min(debugSampleSize, len(res.Records))]
	writeJSON(w, http.StatusOK, debugResponse{
		Count:  len(res.Records),
		Sample: sample,
		Source: res.Outcome.String(),
	})
}

// handleNames handles GET /names: the sorted unique author names.
func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	res := s.fetchCorpus(w, r)
	if res == nil {
		return
	}
	names := corpus.UniqueNames(res.Records)
	writeJSON(w, http.StatusOK, namesResponse{UniqueNames: names, Count: len(names)})
}

// handleIndexStatus handles GET /api/index.
func (s *Server) handleIndexStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backends.Index.Status())
}

// handleIndexRebuild handles POST /api/index/rebuild. The rebuild runs to
// completion even if the client disconnects; the previous index keeps
// serving until the new one is published.
func (s *Server) handleIndexRebuild(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.RebuildTimeout)
	defer cancel()

	start := time.Now()
	err := s.backends.Index.Rebuild(ctx)
	elapsed := time.Since(start)
	status := s.backends.Index.Status()

	audit.LogIndexEvent(r.Context(), s.log, audit.IndexEvent{
		Action:    audit.ActionRebuild,
		Trigger:   "http",
		RequestID: requestIDFromContext(r.Context()),
		Entries:   status.Entries,
		Duration:  elapsed,
		Err:       err,
	})

	if err != nil {
		s.metrics.rebuildsTotal.WithLabelValues(outcomeError).Inc()
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, corpus.ErrNoCorpus):
			code = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			code = http.StatusGatewayTimeout
		}
		log.Error("index rebuild failed", slog.Any("error", err))
		writeJSON(w, code, errorResponse{Error: err.Error()})
		return
	}

	s.metrics.rebuildsTotal.WithLabelValues(outcomeOK).Inc()
	writeJSON(w, http.StatusOK, rebuildResponse{Status: status, Duration: elapsed.Round(time.Millisecond).String()})
}
