// Package retrieval owns the active vector index. It decides at startup
// whether a persisted snapshot can be reused or a fresh one must be built,
// serves nearest-neighbour queries against the published index, and handles
// explicit rebuild and invalidation requests.
//
// The active index is published through an atomic pointer: readers never
// take a lock and never observe a partially built index. Builds are
// serialized; a caller that arrives while a build is running waits for it
// and shares its result instead of starting a second one.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/indexstore"
	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/vectorindex"
)

var (
	// ErrRetrievalUnavailable is returned by Retrieve when no index is ready
	// or the question could not be embedded.
	ErrRetrievalUnavailable = errors.New("retrieval: unavailable")

	// ErrMalformedRecord is returned by a build when a corpus record has no
	// message field. The whole build fails; nothing is saved or published.
	ErrMalformedRecord = errors.New("retrieval: malformed corpus record")
)

// Embedder converts a batch of texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CorpusSource produces the full corpus.
type CorpusSource interface {
	Fetch(ctx context.Context) (*corpus.Result, error)
}

// Staleness selects how Init decides whether a persisted snapshot is reusable.
type Staleness string

const (
	// StalenessFingerprint reuses a snapshot only when it was built from the
	// current corpus with the configured embedding model.
	StalenessFingerprint Staleness = "fingerprint"
	// StalenessExistence reuses any snapshot that loads cleanly, without
	// fetching the corpus.
	StalenessExistence Staleness = "existence"
)

// ParseStaleness maps a config value to a Staleness. Empty means fingerprint.
func ParseStaleness(s string) (Staleness, error) {
	switch Staleness(s) {
	case "", StalenessFingerprint:
		return StalenessFingerprint, nil
	case StalenessExistence:
		return StalenessExistence, nil
	default:
		return "", fmt.Errorf("retrieval: unknown staleness policy %q, valid values: fingerprint, existence", s)
	}
}

// Path records how the active index came to be.
type Path string

const (
	// PathNone means no index has been published yet.
	PathNone Path = "none"
	// PathReused means the index was restored from the store.
	PathReused Path = "reused"
	// PathBuilt means the index was built from a fresh corpus fetch.
	PathBuilt Path = "built"
)

// Hit is one retrieved message.
type Hit struct {
	// Position is the message's index in the corpus the snapshot was built from.
	Position int
	// Text is the message text.
	Text string
	// Distance is the squared L2 distance to the question embedding.
	Distance float32
}

// Status is a point-in-time view of the engine for health and admin endpoints.
type Status struct {
	Ready       bool      `json:"ready"`
	Path        Path      `json:"path"`
	Building    bool      `json:"building"`
	Entries     int       `json:"entries"`
	Dim         int       `json:"dim"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Model       string    `json:"model,omitempty"`
	Corpus      string    `json:"corpus,omitempty"`
	BuiltAt     time.Time `json:"built_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Config holds the collaborators and settings for an Engine.
type Config struct {
	// Store persists snapshots. Required.
	Store indexstore.Store
	// Source fetches the corpus. Required.
	Source CorpusSource
	// Embedder embeds corpus texts and questions. Required.
	Embedder Embedder
	// EmbeddingModel is recorded in snapshots and compared on reuse.
	EmbeddingModel string
	// Staleness selects the reuse policy. Defaults to StalenessFingerprint.
	Staleness Staleness
	// EmbedTimeout bounds each embedding call. Defaults to 60s.
	EmbedTimeout time.Duration
	// Registerer receives the engine metrics. Defaults to a private registry.
	Registerer prometheus.Registerer
}

// state is the immutable published view of the active index.
type state struct {
	snap   *indexstore.Snapshot
	path   Path
	corpus string
}

// Engine owns the active index. It is safe for concurrent use.
type Engine struct {
	// cfg holds the resolved configuration.
	cfg Config
	// active is the published index, nil until the first successful Init or Rebuild.
	active atomic.Pointer[state]
	// sem is a one-slot semaphore serializing builds; waiting on it honours ctx.
	sem chan struct{}
	// attempts counts finished build attempts so waiters can tell whether a
	// build completed while they queued.
	attempts atomic.Uint64
	// building is true while a build holds sem.
	building atomic.Bool
	// errMu guards lastErr.
	errMu sync.Mutex
	// lastErr is the outcome of the most recent build attempt.
	lastErr error
	// bg tracks background rebuilds started after a dimension mismatch.
	bg sync.WaitGroup
	// metrics holds the engine's Prometheus instruments.
	metrics *engineMetrics
}

// New constructs an Engine. Call Init before serving queries.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Source == nil || cfg.Embedder == nil {
		return nil, fmt.Errorf("retrieval: store, source and embedder are required")
	}
	if cfg.Staleness == "" {
		cfg.Staleness = StalenessFingerprint
	}
	if _, err := ParseStaleness(string(cfg.Staleness)); err != nil {
		return nil, err
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 60 * time.Second
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	return &Engine{
		cfg:     cfg,
		sem:     make(chan struct{}, 1),
		metrics: newEngineMetrics(cfg.Registerer),
	}, nil
}

// Init makes an index available, reusing a persisted snapshot when the
// staleness policy allows and building one otherwise. Calling Init again
// once an index is active is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	return e.exclusive(ctx, false, e.initLocked)
}

// Rebuild fetches the corpus and builds a fresh index unconditionally. The
// previous index keeps serving until the new one is published. Callers that
// queue behind a running build receive that build's result.
func (e *Engine) Rebuild(ctx context.Context) error {
	return e.exclusive(ctx, true, func(ctx context.Context) error {
		res, texts, err := e.fetch(ctx)
		if err != nil {
			return err
		}
		return e.build(ctx, res, texts)
	})
}

// Invalidate removes the persisted snapshot. The active in-memory index keeps
// serving; the next Init in a fresh process or the next Rebuild builds anew.
func (e *Engine) Invalidate(ctx context.Context) error {
	if err := e.cfg.Store.Invalidate(ctx); err != nil {
		return fmt.Errorf("retrieval: invalidate: %w", err)
	}
	return nil
}

// exclusive runs fn while holding the build semaphore. When a build finishes
// while this caller is queued, its result is shared rather than repeated.
// With force unset, an already active index also short-circuits.
func (e *Engine) exclusive(ctx context.Context, force bool, fn func(context.Context) error) error {
	seen := e.attempts.Load()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	if e.attempts.Load() != seen {
		return e.lastError()
	}
	if !force && e.active.Load() != nil {
		return nil
	}

	e.building.Store(true)
	err := fn(ctx)
	e.building.Store(false)

	e.errMu.Lock()
	e.lastErr = err
	e.errMu.Unlock()
	e.attempts.Add(1)
	return err
}

// initLocked implements the reuse-or-build decision. Caller holds sem.
func (e *Engine) initLocked(ctx context.Context) error {
	log := logging.FromContext(ctx).With(slog.String("staleness", string(e.cfg.Staleness)))

	if e.cfg.Staleness == StalenessExistence {
		snap, err := e.cfg.Store.Load(ctx)
		if err != nil {
			return fmt.Errorf("retrieval: init: %w", err)
		}
		if snap != nil {
			e.publish(&state{snap: snap, path: PathReused})
			e.metrics.initTotal.WithLabelValues(string(PathReused)).Inc()
			log.Info("retrieval: reusing persisted index", slog.Int("entries", snap.Len()))
			return nil
		}
		res, texts, err := e.fetch(ctx)
		if err != nil {
			return err
		}
		e.metrics.initTotal.WithLabelValues(string(PathBuilt)).Inc()
		return e.build(ctx, res, texts)
	}

	res, texts, err := e.fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrMalformedRecord) {
			return err
		}
		return e.reuseUnchecked(ctx, log, err)
	}
	fp := corpus.Fingerprint(texts)

	snap, err := e.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("retrieval: init: %w", err)
	}
	switch {
	case snap == nil:
		log.Info("retrieval: no persisted index, building")
	case snap.Fingerprint != fp:
		log.Info("retrieval: persisted index is stale, rebuilding",
			slog.String("persisted", snap.Fingerprint),
			slog.String("current", fp),
		)
	case snap.Model != e.cfg.EmbeddingModel:
		log.Info("retrieval: persisted index used another embedding model, rebuilding",
			slog.String("persisted", snap.Model),
			slog.String("current", e.cfg.EmbeddingModel),
		)
	default:
		e.publish(&state{snap: snap, path: PathReused, corpus: res.Outcome.String()})
		e.metrics.initTotal.WithLabelValues(string(PathReused)).Inc()
		log.Info("retrieval: reusing persisted index",
			slog.Int("entries", snap.Len()),
			slog.String("fingerprint", fp),
		)
		return nil
	}

	e.metrics.initTotal.WithLabelValues(string(PathBuilt)).Inc()
	return e.build(ctx, res, texts)
}

// reuseUnchecked publishes the persisted snapshot when the corpus could not
// be fetched, so a restart without a reachable corpus still serves. Freshness
// is unknown; a snapshot from another embedding model is not used. fetchErr
// is returned when nothing can be reused.
func (e *Engine) reuseUnchecked(ctx context.Context, log *slog.Logger, fetchErr error) error {
	snap, err := e.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("retrieval: init: %w", err)
	}
	if snap == nil || snap.Model != e.cfg.EmbeddingModel {
		return fetchErr
	}
	e.publish(&state{snap: snap, path: PathReused})
	e.metrics.initTotal.WithLabelValues(string(PathReused)).Inc()
	log.Warn("retrieval: corpus unavailable, reusing persisted index without a freshness check",
		slog.Int("entries", snap.Len()),
		slog.String("fingerprint", snap.Fingerprint),
		slog.Any("error", fetchErr),
	)
	return nil
}

// fetch loads the corpus and extracts its texts. A record without a message
// fails the whole fetch with ErrMalformedRecord.
func (e *Engine) fetch(ctx context.Context) (*corpus.Result, []string, error) {
	res, err := e.cfg.Source.Fetch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: fetching corpus: %w", err)
	}
	texts, err := res.Texts()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return res, texts, nil
}

// build embeds texts, builds an index, saves it and publishes it. Caller holds sem.
func (e *Engine) build(ctx context.Context, res *corpus.Result, texts []string) (err error) {
	log := logging.FromContext(ctx)
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.buildsTotal.WithLabelValues(outcome).Inc()
		e.metrics.buildDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	if len(texts) == 0 {
		return fmt.Errorf("retrieval: corpus is empty: %w", vectorindex.ErrEmptyIndex)
	}

	vectors, err := e.embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("retrieval: embedding corpus: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("retrieval: embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	snap, err := indexstore.NewSnapshot(vectors, texts, corpus.Fingerprint(texts), e.cfg.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}

	if err := e.cfg.Store.Save(ctx, snap); err != nil {
		// The in-memory index is complete; serve it and rebuild the durable
		// copy on the next start.
		log.Error("retrieval: persisting index failed, serving unpersisted index", slog.Any("error", err))
	}

	e.publish(&state{snap: snap, path: PathBuilt, corpus: res.Outcome.String()})
	log.Info("retrieval: index built",
		slog.Int("entries", snap.Len()),
		slog.Int("dim", snap.Dim()),
		slog.String("corpus", res.Outcome.String()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// embed calls the embedder with the configured timeout.
func (e *Engine) embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	defer cancel()
	return e.cfg.Embedder.Embed(ctx, texts)
}

// publish swaps in a new active state.
func (e *Engine) publish(st *state) {
	e.active.Store(st)
	e.metrics.indexEntries.Set(float64(st.snap.Len()))
}

// Retrieve embeds question and returns the k nearest messages ordered by
// ascending distance. If a build is in progress and nothing is published
// yet, Retrieve waits for it (bounded by ctx).
func (e *Engine) Retrieve(ctx context.Context, question string, k int) (hits []Hit, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrRetrievalUnavailable):
			outcome = "unavailable"
		case err != nil:
			outcome = "error"
		}
		e.metrics.queriesTotal.WithLabelValues(outcome).Inc()
		e.metrics.queryDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	st, err := e.awaitActive(ctx)
	if err != nil {
		return nil, err
	}

	vectors, err := e.embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding question: %w", ErrRetrievalUnavailable, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one question", ErrRetrievalUnavailable, len(vectors))
	}

	neighbors, err := st.snap.Index.Search(vectors[0], k)
	if errors.Is(err, vectorindex.ErrDimensionMismatch) {
		e.recoverFromMismatch(ctx, st, err)
		return nil, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	hits = make([]Hit, len(neighbors))
	for i, n := range neighbors {
		hits[i] = Hit{Position: n.Position, Text: st.snap.Texts[n.Position], Distance: n.Distance}
	}
	return hits, nil
}

// awaitActive returns the published state, waiting for an in-flight build
// when nothing is published yet.
func (e *Engine) awaitActive(ctx context.Context) (*state, error) {
	if st := e.active.Load(); st != nil {
		return st, nil
	}
	if e.building.Load() {
		select {
		case e.sem <- struct{}{}:
			<-e.sem
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, ctx.Err())
		}
		if st := e.active.Load(); st != nil {
			return st, nil
		}
	}
	if err := e.lastError(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
	}
	return nil, fmt.Errorf("%w: no index is ready", ErrRetrievalUnavailable)
}

// recoverFromMismatch handles a question embedding whose dimension differs
// from the active index, which means the embedding model changed under a
// running process. The stale index is withdrawn, the durable copy dropped,
// and a rebuild started in the background.
func (e *Engine) recoverFromMismatch(ctx context.Context, st *state, cause error) {
	if !e.active.CompareAndSwap(st, nil) {
		return
	}
	e.metrics.indexEntries.Set(0)

	log := logging.FromContext(ctx)
	log.Error("retrieval: query embedding does not match the active index, rebuilding",
		slog.Int("index_dim", st.snap.Dim()),
		slog.Any("error", cause),
	)

	bgCtx := logging.WithLogger(context.WithoutCancel(ctx), log)
	e.bg.Go(func() {
		if err := e.cfg.Store.Invalidate(bgCtx); err != nil {
			log.Warn("retrieval: invalidating stale snapshot failed", slog.Any("error", err))
		}
		if err := e.Rebuild(bgCtx); err != nil {
			log.Error("retrieval: background rebuild failed", slog.Any("error", err))
		}
	})
}

// Wait blocks until background rebuilds have finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Ready reports whether an index is published.
func (e *Engine) Ready() bool {
	return e.active.Load() != nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	s := Status{Path: PathNone, Building: e.building.Load()}
	if err := e.lastError(); err != nil {
		s.LastError = err.Error()
	}
	st := e.active.Load()
	if st == nil {
		return s
	}
	s.Ready = true
	s.Path = st.path
	s.Entries = st.snap.Len()
	s.Dim = st.snap.Dim()
	s.Fingerprint = st.snap.Fingerprint
	s.Model = st.snap.Model
	s.Corpus = st.corpus
	s.BuiltAt = st.snap.CreatedAt
	return s
}

func (e *Engine) lastError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastErr
}
