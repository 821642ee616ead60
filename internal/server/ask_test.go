package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/aurora-rag/internal/query"
	"github.com/54b3r/aurora-rag/internal/retrieval"
)

func askRequest(question string, stream string) *http.Request {
	v := url.Values{}
	if question != "" {
		v.Set("question", question)
	}
	if stream != "" {
		v.Set("stream", stream)
	}
	req := httptest.NewRequest(http.MethodGet, "/ask?"+v.Encode(), nil)
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

func decodeError(t *testing.T, body io.Reader) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.NewDecoder(body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

func TestAsk_JSON(t *testing.T) {
	t.Parallel()
	asker := &fakeAsker{answer: "Sophia is flying to Paris on Friday."}
	s, reg := newTestServer(t, Backends{Asker: asker})

	w := do(s, askRequest("  When is Sophia going to Paris?  ", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}
	var resp askResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != asker.answer {
		t.Errorf("answer: got %q", resp.Answer)
	}
	if asker.gotQuestion != "When is Sophia going to Paris?" {
		t.Errorf("question not trimmed: %q", asker.gotQuestion)
	}
	if got := counterValue(t, reg, "aurora_ask_requests_total", map[string]string{"mode": "json", "outcome": "ok"}); got != 1 {
		t.Errorf("ask ok counter: got %v", got)
	}
}

func TestAsk_BadRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		question string
		stream   string
	}{
		{name: "missing question", question: "", stream: ""},
		{name: "blank question", question: "   ", stream: ""},
		{name: "invalid stream flag", question: "Who likes hiking?", stream: "sometimes"},
		{name: "missing question streamed", question: "", stream: "true"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			asker := &fakeAsker{answer: "unused"}
			s, _ := newTestServer(t, Backends{Asker: asker})

			w := do(s, askRequest(tc.question, tc.stream))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d", w.Code)
			}
			if e := decodeError(t, w.Body); e.Error == "" {
				t.Error("expected an error message")
			}
			if asker.calls.Load() != 0 {
				t.Error("asker must not be called for a bad request")
			}
		})
	}
}

func TestAsk_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantStage string
	}{
		{
			name:      "retrieval unavailable",
			err:       fmt.Errorf("query: %w", retrieval.ErrRetrievalUnavailable),
			wantCode:  http.StatusServiceUnavailable,
			wantStage: "retrieval",
		},
		{
			name:      "retrieval stage",
			err:       &query.StageError{Stage: query.StageRetrieval, Err: errors.New("embed question: connection refused")},
			wantCode:  http.StatusServiceUnavailable,
			wantStage: "retrieval",
		},
		{
			name:      "answer stage",
			err:       &query.StageError{Stage: query.StageAnswer, Err: errors.New("model timeout")},
			wantCode:  http.StatusBadGateway,
			wantStage: "answer",
		},
		{
			name:     "empty question from service",
			err:      query.ErrEmptyQuestion,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unexpected",
			err:      errors.New("boom"),
			wantCode: http.StatusInternalServerError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, Backends{Asker: &fakeAsker{err: tc.err, streamErr: tc.err}})

			for _, stream := range []string{"false", "true"} {
				w := do(s, askRequest("Who is going to Tahoe?", stream))
				if w.Code != tc.wantCode {
					t.Fatalf("stream=%s status: got %d, want %d", stream, w.Code, tc.wantCode)
				}
				e := decodeError(t, w.Body)
				if e.Stage != tc.wantStage {
					t.Errorf("stream=%s stage: got %q, want %q", stream, e.Stage, tc.wantStage)
				}
			}
		})
	}
}

func TestAsk_UnexpectedErrorHidesDetail(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{Asker: &fakeAsker{err: errors.New("dial tcp 10.0.0.3:5432: secret detail")}})

	w := do(s, askRequest("anything", ""))
	if strings.Contains(w.Body.String(), "secret detail") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
}

func TestAsk_Stream(t *testing.T) {
	t.Parallel()
	frags := newFragments("Vikram ", "loves ", "hiking.")
	s, reg := newTestServer(t, Backends{Asker: &fakeAsker{stream: frags}})

	w := do(s, askRequest("What does Vikram like?", "true"))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("content-type: got %q", ct)
	}
	if got := w.Body.String(); got != "Vikram loves hiking." {
		t.Errorf("body: got %q", got)
	}
	if !w.Flushed {
		t.Error("expected the stream to be flushed")
	}
	if !frags.closed() {
		t.Error("stream must be closed after completion")
	}
	if got := counterValue(t, reg, "aurora_ask_requests_total", map[string]string{"mode": "stream", "outcome": "ok"}); got != 1 {
		t.Errorf("stream ok counter: got %v", got)
	}
}

func TestAsk_StreamEmptyAnswer(t *testing.T) {
	t.Parallel()
	frags := newFragments()
	s, _ := newTestServer(t, Backends{Asker: &fakeAsker{stream: frags}})

	w := do(s, askRequest("Anything?", "1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected an empty body, got %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content-type: got %q", ct)
	}
}

func TestAsk_StreamErrorAfterFirstFragment(t *testing.T) {
	t.Parallel()
	frags := newFragments("Layla wants ", "camping gear.")
	frags.failAt = 1
	frags.failErr = &query.StageError{Stage: query.StageAnswer, Err: errors.New("upstream reset")}
	s, reg := newTestServer(t, Backends{Asker: &fakeAsker{stream: frags}})

	w := do(s, askRequest("What does Layla want?", "true"))
	if w.Code != http.StatusOK {
		t.Fatalf("status must stay 200 once streaming started, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "Layla wants ") {
		t.Errorf("first fragment missing: %q", body)
	}
	if !strings.Contains(body, "\n[error: ") || !strings.Contains(body, "upstream reset") {
		t.Errorf("in-band error missing: %q", body)
	}
	if !frags.closed() {
		t.Error("stream must be closed after a failure")
	}
	if got := counterValue(t, reg, "aurora_ask_requests_total", map[string]string{"mode": "stream", "outcome": "answer_error"}); got != 1 {
		t.Errorf("answer_error counter: got %v", got)
	}
}

func TestAsk_StreamErrorBeforeFirstFragment(t *testing.T) {
	t.Parallel()
	frags := newFragments("never sent")
	frags.failAt = 0
	frags.failErr = &query.StageError{Stage: query.StageAnswer, Err: errors.New("model not found")}
	s, _ := newTestServer(t, Backends{Asker: &fakeAsker{stream: frags}})

	w := do(s, askRequest("Who?", "true"))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}
	if e := decodeError(t, w.Body); e.Stage != "answer" {
		t.Errorf("stage: got %q", e.Stage)
	}
}

// TestAsk_StreamClientDisconnect verifies that the answer stream is closed
// promptly when the client goes away mid-answer.
func TestAsk_StreamClientDisconnect(t *testing.T) {
	t.Parallel()
	frags := newFragments()
	frags.endless = true
	s, _ := newTestServer(t, Backends{Asker: &fakeAsker{stream: frags}})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/ask?question=hello&stream=true", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first fragment: %v", err)
	}
	if string(buf) != "tick " {
		t.Errorf("first fragment: got %q", buf)
	}
	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !frags.closed() {
		if time.Now().After(deadline) {
			t.Fatal("stream was not closed after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
