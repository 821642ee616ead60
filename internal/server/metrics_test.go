package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMetrics_UsesRoutePattern(t *testing.T) {
	t.Parallel()
	s, reg := newTestServer(t, Backends{})

	for _, path := range []string{"/names", "/names", "/debug", "/missing"} {
		do(s, httptest.NewRequest(http.MethodGet, path, nil))
	}

	cases := []struct {
		handler string
		code    string
		want    float64
	}{
		{handler: "GET /names", code: "200", want: 2},
		{handler: "GET /debug", code: "200", want: 1},
		{handler: "unmatched", code: "404", want: 1},
	}
	for _, tc := range cases {
		got := counterValue(t, reg, "aurora_http_requests_total", map[string]string{
			"method":  http.MethodGet,
			"handler": tc.handler,
			"code":    tc.code,
		})
		if got != tc.want {
			t.Errorf("%s %s: got %v, want %v", tc.handler, tc.code, got, tc.want)
		}
	}
}

func TestAskMetrics_BadRequest(t *testing.T) {
	t.Parallel()
	s, reg := newTestServer(t, Backends{})

	do(s, askRequest("", "true"))

	got := counterValue(t, reg, "aurora_ask_requests_total", map[string]string{"mode": "stream", "outcome": "bad_request"})
	if got != 1 {
		t.Errorf("bad_request counter: got %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{Asker: &fakeAsker{answer: "Paris."}})

	do(s, askRequest("Where is Sophia going?", ""))

	w := do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	for _, name := range []string{
		"aurora_ask_requests_total",
		"aurora_ask_duration_seconds",
		"aurora_ask_active_streams",
		"aurora_http_requests_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metric %s missing from /metrics output", name)
		}
	}
}

func TestActiveStreamsGauge_ReturnsToZero(t *testing.T) {
	t.Parallel()
	s, reg := newTestServer(t, Backends{Asker: &fakeAsker{stream: newFragments("a", "b")}})

	do(s, askRequest("q", "true"))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "aurora_ask_active_streams" {
			continue
		}
		if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0 {
			t.Errorf("active streams: got %v, want 0", v)
		}
		return
	}
	t.Error("aurora_ask_active_streams not registered")
}
