package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/retrieval"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeFragments is a scripted answer stream.
type fakeFragments struct {
	// parts are returned in order, then io.EOF.
	parts []string
	// failAt returns failErr instead of parts[failAt] when failErr is set.
	failAt  int
	failErr error
	// endless keeps producing "tick " until closed.
	endless bool

	pos       int
	closeOnce sync.Once
	closedCh  chan struct{}
	recvs     atomic.Int32
}

func newFragments(parts ...string) *fakeFragments {
	return &fakeFragments{parts: parts, closedCh: make(chan struct{})}
}

func (f *fakeFragments) Recv() (string, error) {
	f.recvs.Add(1)
	select {
	case <-f.closedCh:
		return "", errors.New("recv on closed stream")
	default:
	}
	if f.endless {
		time.Sleep(time.Millisecond)
		return "tick ", nil
	}
	if f.failErr != nil && f.pos == f.failAt {
		return "", f.failErr
	}
	if f.pos >= len(f.parts) {
		return "", io.EOF
	}
	p := f.parts[f.pos]
	f.pos++
	return p, nil
}

func (f *fakeFragments) Close() {
	f.closeOnce.Do(func() { close(f.closedCh) })
}

func (f *fakeFragments) closed() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}

// fakeAsker implements Asker with canned results.
type fakeAsker struct {
	answer    string
	err       error
	stream    *fakeFragments
	streamErr error

	mu          sync.Mutex
	gotQuestion string
	calls       atomic.Int32
}

func (f *fakeAsker) record(q string) {
	f.calls.Add(1)
	f.mu.Lock()
	f.gotQuestion = q
	f.mu.Unlock()
}

func (f *fakeAsker) Answer(_ context.Context, question string) (string, error) {
	f.record(question)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeAsker) StreamAnswer(_ context.Context, question string) (Fragments, error) {
	f.record(question)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

// fakeIndex implements IndexController.
type fakeIndex struct {
	mu         sync.Mutex
	status     retrieval.Status
	rebuildErr error
	rebuilds   atomic.Int32
	gotCtxErr  error
}

func (f *fakeIndex) Status() retrieval.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeIndex) Rebuild(ctx context.Context) error {
	f.rebuilds.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotCtxErr = ctx.Err()
	if f.rebuildErr != nil {
		return f.rebuildErr
	}
	f.status.Ready = true
	f.status.Path = retrieval.PathBuilt
	return nil
}

// fakeCorpus implements CorpusSource.
type fakeCorpus struct {
	res *corpus.Result
	err error
}

func (f *fakeCorpus) Fetch(context.Context) (*corpus.Result, error) {
	if f.err != nil {
		return &corpus.Result{Outcome: corpus.OutcomeFailed}, f.err
	}
	return f.res, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func strPtr(s string) *string { return &s }

func sampleCorpus() *corpus.Result {
	return &corpus.Result{
		Outcome: corpus.OutcomeFallbackUsed,
		Records: []corpus.Record{
			{ID: "1", UserName: "Sophia Al-Farsi", Message: strPtr("Please book a private jet to Paris for this Friday.")},
			{ID: "2", UserName: "Vikram Desai", Message: strPtr("I love hiking, find me trails near Tahoe.")},
			{ID: "3", UserName: "Sophia Al-Farsi", Message: strPtr("Change my dinner reservation to 8pm.")},
			{ID: "4", UserName: "Layla Kawaguchi", Message: strPtr("Camping gear for this weekend, please.")},
		},
	}
}

// newTestServer builds a Server around b with an isolated metrics registry.
// Nil backends are replaced by empty fakes.
func newTestServer(t *testing.T, b Backends) (*Server, *prometheus.Registry) {
	t.Helper()
	if b.Asker == nil {
		b.Asker = &fakeAsker{}
	}
	if b.Index == nil {
		b.Index = &fakeIndex{}
	}
	if b.Corpus == nil {
		b.Corpus = &fakeCorpus{res: sampleCorpus()}
	}
	reg := prometheus.NewRegistry()
	s, err := New(b, &Config{
		Logger:          logging.Discard(),
		MetricsRegistry: reg,
		MetricsGatherer: reg,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s, reg
}

// do sends req through the full handler chain.
func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// counterValue returns the value of the counter name with the given labels,
// or -1 if it was not found.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()
	if _, err := New(Backends{Asker: &fakeAsker{}}, nil); err == nil {
		t.Error("expected an error when index and corpus backends are missing")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Backends{})
	if s.Addr() != "127.0.0.1:8000" {
		t.Errorf("addr: got %q", s.Addr())
	}
	if s.cfg.WriteTimeout < time.Minute {
		t.Errorf("write timeout too short for streaming: %v", s.cfg.WriteTimeout)
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	s, err := New(Backends{Asker: &fakeAsker{}, Index: &fakeIndex{}, Corpus: &fakeCorpus{}}, &Config{
		Port:            0,
		Host:            "127.0.0.1",
		Logger:          logging.Discard(),
		MetricsRegistry: reg,
		MetricsGatherer: reg,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Port 0 is replaced by the default; listen on an ephemeral port instead.
	s.httpServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
