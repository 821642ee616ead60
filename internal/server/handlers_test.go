package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/retrieval"
)

func TestRoot(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp rootResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message == "" {
		t.Error("expected a message")
	}
	for _, key := range []string{"ask", "stream", "debug", "names"} {
		if resp.Endpoints[key] == "" {
			t.Errorf("endpoint %q missing", key)
		}
	}
}

func TestUnknownPath(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestDebug(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/debug", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp debugResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 4 {
		t.Errorf("count: got %d, want 4", resp.Count)
	}
	if len(resp.Sample) != debugSampleSize {
		t.Fatalf("sample size: got %d", len(resp.Sample))
	}
	if resp.Sample[0].UserName != "Sophia Al-Farsi" {
		t.Errorf("sample must preserve corpus order, got %q first", resp.Sample[0].UserName)
	}
	if resp.Source != corpus.OutcomeFallbackUsed.String() {
		t.Errorf("source: got %q", resp.Source)
	}
}

func TestDebug_SmallCorpus(t *testing.T) {
	t.Parallel()
	small := &corpus.Result{
		Outcome: corpus.OutcomeFetched,
		Records: []corpus.Record{{UserName: "Armand Dupont", Message: strPtr("Need a table for two.")}},
	}
	s, _ := newTestServer(t, Backends{Corpus: &fakeCorpus{res: small}})

	w := do(s, httptest.NewRequest(http.MethodGet, "/debug", nil))
	var resp debugResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Sample) != 1 {
		t.Errorf("got count=%d sample=%d", resp.Count, len(resp.Sample))
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{})

	w := do(s, httptest.NewRequest(http.MethodGet, "/names", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var resp namesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"Layla Kawaguchi", "Sophia Al-Farsi", "Vikram Desai"}
	if resp.Count != len(want) {
		t.Fatalf("count: got %d, want %d", resp.Count, len(want))
	}
	for i, name := range want {
		if resp.UniqueNames[i] != name {
			t.Errorf("names[%d]: got %q, want %q", i, resp.UniqueNames[i], name)
		}
	}
}

func TestCorpusUnavailable(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{Corpus: &fakeCorpus{err: fmt.Errorf("fetch: %w", corpus.ErrNoCorpus)}})

	for _, path := range []string{"/debug", "/names"} {
		w := do(s, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status: got %d", path, w.Code)
		}
		if e := decodeError(t, w.Body); e.Error == "" {
			t.Errorf("%s: expected an error message", path)
		}
	}
}

func TestIndexStatus(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{status: retrieval.Status{
		Ready:       true,
		Path:        retrieval.PathReused,
		Entries:     3349,
		Dim:         768,
		Fingerprint: "abc123",
		Model:       "nomic-embed-text",
	}}
	s, _ := newTestServer(t, Backends{Index: idx})

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/index", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var st retrieval.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Ready || st.Path != retrieval.PathReused || st.Entries != 3349 || st.Model != "nomic-embed-text" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestIndexRebuild(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{}
	s, reg := newTestServer(t, Backends{Index: idx})

	req := httptest.NewRequest(http.MethodPost, "/api/index/rebuild", nil)
	req.RemoteAddr = "127.0.0.1:40001"
	w := do(s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var resp rebuildResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Status.Ready || resp.Status.Path != retrieval.PathBuilt {
		t.Errorf("unexpected status: %+v", resp.Status)
	}
	if resp.Duration == "" {
		t.Error("expected a duration")
	}
	if idx.rebuilds.Load() != 1 {
		t.Errorf("rebuilds: got %d", idx.rebuilds.Load())
	}
	if got := counterValue(t, reg, "aurora_admin_rebuilds_total", map[string]string{"outcome": "ok"}); got != 1 {
		t.Errorf("rebuild ok counter: got %v", got)
	}
}

func TestIndexRebuild_RequiresPost(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{}
	s, _ := newTestServer(t, Backends{Index: idx})

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/index/rebuild", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d", w.Code)
	}
	if idx.rebuilds.Load() != 0 {
		t.Error("GET must not trigger a rebuild")
	}
}

func TestIndexRebuild_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "no corpus", err: fmt.Errorf("build: %w", corpus.ErrNoCorpus), wantCode: http.StatusServiceUnavailable},
		{name: "timeout", err: fmt.Errorf("embed: %w", context.DeadlineExceeded), wantCode: http.StatusGatewayTimeout},
		{name: "malformed record", err: fmt.Errorf("record 12: %w", retrieval.ErrMalformedRecord), wantCode: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, reg := newTestServer(t, Backends{Index: &fakeIndex{rebuildErr: tc.err}})

			req := httptest.NewRequest(http.MethodPost, "/api/index/rebuild", nil)
			req.RemoteAddr = "127.0.0.1:40002"
			w := do(s, req)
			if w.Code != tc.wantCode {
				t.Fatalf("status: got %d, want %d", w.Code, tc.wantCode)
			}
			if got := counterValue(t, reg, "aurora_admin_rebuilds_total", map[string]string{"outcome": "error"}); got != 1 {
				t.Errorf("rebuild error counter: got %v", got)
			}
		})
	}
}

// TestIndexRebuild_DetachedFromClient verifies that a cancelled client
// context does not cancel the rebuild itself.
func TestIndexRebuild_DetachedFromClient(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{}
	s, _ := newTestServer(t, Backends{Index: idx})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/api/index/rebuild", nil)
	req.RemoteAddr = "127.0.0.1:40003"
	do(s, req)

	if idx.rebuilds.Load() != 1 {
		t.Fatalf("rebuilds: got %d", idx.rebuilds.Load())
	}
	if idx.gotCtxErr != nil {
		t.Errorf("rebuild saw a cancelled context: %v", idx.gotCtxErr)
	}
}
