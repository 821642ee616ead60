package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fake Pinger for readiness tests
// ---------------------------------------------------------------------------

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	// name is returned by Name().
	name string
	// err is returned by Ping(); nil means healthy.
	err error
	// delay is slept before returning, honouring ctx.
	delay time.Duration
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

// newReadyTestServer builds a *Server with the given pingers wired in.
func newReadyTestServer(t *testing.T, pingers ...Pinger) *Server {
	t.Helper()
	s, _ := newTestServer(t, Backends{})
	s.pingers = pingers
	return s
}

func decodeReady(t *testing.T, w *httptest.ResponseRecorder) readyResponse {
	t.Helper()
	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// GET /api/health
// ---------------------------------------------------------------------------

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t, &fakePinger{name: "index", err: errors.New("no active index")})
	w := do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d, body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: expected %q, got %q", "ok", body["status"])
	}
}

// ---------------------------------------------------------------------------
// GET /api/ready
// ---------------------------------------------------------------------------

func TestHandleReady_NoPingers(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t)
	w := do(s, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", w.Code, w.Body.String())
	}
	resp := decodeReady(t, w)
	if !resp.Ready {
		t.Errorf("expected ready:true with no pingers")
	}
	if len(resp.Checks) != 0 {
		t.Errorf("expected 0 checks, got %d", len(resp.Checks))
	}
}

func TestHandleReady_AllHealthy(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "index"},
		&fakePinger{name: "ollama"},
	)
	w := do(s, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", w.Code, w.Body.String())
	}
	resp := decodeReady(t, w)
	if !resp.Ready {
		t.Errorf("expected ready:true")
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
	}
	for _, c := range resp.Checks {
		if !c.OK || c.Error != "" {
			t.Errorf("check %q: expected ok with no error, got %+v", c.Name, c)
		}
	}
}

func TestHandleReady_OneFailing(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "index"},
		&fakePinger{name: "qdrant", err: errors.New("connection refused")},
	)
	w := do(s, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d, body: %s", w.Code, w.Body.String())
	}
	resp := decodeReady(t, w)
	if resp.Ready {
		t.Errorf("expected ready:false")
	}
	// Checks keep registration order even though checks run concurrently.
	if resp.Checks[0].Name != "index" || resp.Checks[1].Name != "qdrant" {
		t.Fatalf("unexpected check order: %+v", resp.Checks)
	}
	if !resp.Checks[0].OK {
		t.Errorf("index check: expected ok:true")
	}
	if resp.Checks[1].OK || resp.Checks[1].Error == "" {
		t.Errorf("qdrant check: expected failure with error, got %+v", resp.Checks[1])
	}
}

func TestHandleReady_AllFailing(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "index", err: errors.New("index build in progress")},
		&fakePinger{name: "ollama", err: errors.New("timeout")},
	)
	w := do(s, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	for _, c := range decodeReady(t, w).Checks {
		if c.OK {
			t.Errorf("check %q: expected ok:false", c.Name)
		}
	}
}

// TestHandleReady_ChecksRunConcurrently verifies that slow checks overlap
// instead of adding up.
func TestHandleReady_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "a", delay: 200 * time.Millisecond},
		&fakePinger{name: "b", delay: 200 * time.Millisecond},
		&fakePinger{name: "c", delay: 200 * time.Millisecond},
	)
	start := time.Now()
	w := do(s, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	elapsed := time.Since(start)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if elapsed > 550*time.Millisecond {
		t.Errorf("checks appear to run sequentially: took %v", elapsed)
	}
}
