package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/query"
	"github.com/54b3r/aurora-rag/internal/retrieval"
)

// Ask outcomes recorded in metrics.
const (
	outcomeOK          = "ok"
	outcomeBadRequest  = "bad_request"
	outcomeUnavailable = "unavailable"
	outcomeAnswerError = "answer_error"
	outcomeCanceled    = "canceled"
	outcomeError       = "error"
)

// queryAsker adapts *query.Service to Asker.
type queryAsker struct {
	svc *query.Service
}

// QueryAsker returns an Asker backed by svc.
func QueryAsker(svc *query.Service) Asker {
	return queryAsker{svc: svc}
}

func (a queryAsker) Answer(ctx context.Context, question string) (string, error) {
	return a.svc.Answer(ctx, question)
}

func (a queryAsker) StreamAnswer(ctx context.Context, question string) (Fragments, error) {
	st, err := a.svc.Stream(ctx, question)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// handleAsk handles GET /ask?question=...&stream=true|false.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	mode := "json"

	question := strings.TrimSpace(r.URL.Query().Get("question"))
	stream := false
	if v := r.URL.Query().Get("stream"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "stream must be true or false"})
			s.metrics.observeAsk(mode, outcomeBadRequest, start)
			return
		}
		stream = b
	}
	if stream {
		mode = "stream"
	}
	if question == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question is required"})
		s.metrics.observeAsk(mode, outcomeBadRequest, start)
		return
	}

	var outcome string
	if stream {
		outcome = s.streamAnswer(w, r, question)
	} else {
		outcome = s.answer(w, r, question)
	}
	s.metrics.observeAsk(mode, outcome, start)
}

// answer writes a single JSON answer.
func (s *Server) answer(w http.ResponseWriter, r *http.Request, question string) string {
	text, err := s.backends.Asker.Answer(r.Context(), question)
	if err != nil {
		return s.writeAskError(w, r, err)
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: text})
	return outcomeOK
}

// streamAnswer writes answer fragments as text/plain, flushing after each.
// Failures before the first fragment get a regular JSON error response;
// afterwards the status line is gone, so the error is delivered in-band.
func (s *Server) streamAnswer(w http.ResponseWriter, r *http.Request, question string) string {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return outcomeError
	}

	st, err := s.backends.Asker.StreamAnswer(ctx, question)
	if err != nil {
		return s.writeAskError(w, r, err)
	}
	defer st.Close()

	s.metrics.askActiveStreams.Inc()
	defer s.metrics.askActiveStreams.Dec()

	wrote := false
	for {
		if ctx.Err() != nil {
			log.Debug("ask: client went away, stopping stream")
			return outcomeCanceled
		}

		part, err := st.Recv()
		if errors.Is(err, io.EOF) {
			if !wrote {
				setStreamHeaders(w)
				w.WriteHeader(http.StatusOK)
			}
			return outcomeOK
		}
		if err != nil {
			if ctx.Err() != nil {
				return outcomeCanceled
			}
			if !wrote {
				return s.writeAskError(w, r, err)
			}
			log.Warn("ask: stream failed mid-answer", slog.Any("error", err))
			fmt.Fprintf(w, "\n[error: %s]", err)
			flusher.Flush()
			return outcomeAnswerError
		}

		if !wrote {
			setStreamHeaders(w)
		}
		if _, err := io.WriteString(w, part); err != nil {
			log.Debug("ask: write failed, stopping stream", slog.Any("error", err))
			return outcomeCanceled
		}
		wrote = true
		flusher.Flush()
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// writeAskError maps a question failure to a status code and JSON body.
func (s *Server) writeAskError(w http.ResponseWriter, r *http.Request, err error) string {
	log := logging.FromContext(r.Context())

	if r.Context().Err() != nil {
		log.Debug("ask: request cancelled", slog.Any("error", err))
		return outcomeCanceled
	}

	var stageErr *query.StageError
	switch {
	case errors.Is(err, query.ErrEmptyQuestion):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return outcomeBadRequest

	case errors.Is(err, retrieval.ErrRetrievalUnavailable):
		log.Warn("ask: retrieval unavailable", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: err.Error(),
			Stage: string(query.StageRetrieval),
		})
		return outcomeUnavailable

	case errors.As(err, &stageErr) && stageErr.Stage == query.StageRetrieval:
		log.Warn("ask: retrieval failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Stage: string(stageErr.Stage)})
		return outcomeUnavailable

	case stageErr != nil && stageErr.Stage == query.StageAnswer:
		log.Error("ask: answer generation failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Stage: string(stageErr.Stage)})
		return outcomeAnswerError

	default:
		log.Error("ask: unexpected error", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return outcomeError
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
