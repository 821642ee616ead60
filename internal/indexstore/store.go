// Package indexstore persists retrieval snapshots: the embedding vectors, the
// serialized vector index and the ordered corpus texts, plus the fingerprint
// of the corpus they were built from.
//
// Every Store implementation upholds the same contract. A snapshot is either
// fully present or absent; Load never returns a partial snapshot and never
// surfaces a read failure as a hard error. Damaged, missing or inconsistent
// artifacts are logged and reported as absent so the caller rebuilds.
package indexstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/54b3r/aurora-rag/internal/vectorindex"
)

// ErrInconsistent is returned by Validate when the parts of a snapshot
// disagree with each other.
var ErrInconsistent = errors.New("indexstore: inconsistent snapshot")

// Snapshot is one complete, self-consistent build of the retrieval index.
type Snapshot struct {
	// Vectors are the embeddings in corpus order.
	Vectors [][]float32
	// Index is the searchable structure built over Vectors.
	Index *vectorindex.Index
	// Texts are the message texts in corpus order; Texts[i] belongs to Vectors[i].
	Texts []string
	// Fingerprint identifies the corpus the snapshot was built from.
	Fingerprint string
	// Model is the embedding model that produced Vectors.
	Model string
	// CreatedAt is when the snapshot was built.
	CreatedAt time.Time
}

// NewSnapshot builds a snapshot and its index from vectors and texts.
func NewSnapshot(vectors [][]float32, texts []string, fingerprint, model string) (*Snapshot, error) {
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: %d vectors for %d texts", ErrInconsistent, len(vectors), len(texts))
	}
	idx := vectorindex.New()
	if err := idx.Add(vectors...); err != nil {
		return nil, fmt.Errorf("indexstore: building index: %w", err)
	}
	return &Snapshot{
		Vectors:     vectors,
		Index:       idx,
		Texts:       texts,
		Fingerprint: fingerprint,
		Model:       model,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Len returns the number of entries in the snapshot.
func (s *Snapshot) Len() int { return len(s.Texts) }

// Dim returns the embedding dimension, or zero for an empty snapshot.
func (s *Snapshot) Dim() int {
	if s.Index == nil {
		return 0
	}
	return s.Index.Dim()
}

// Validate checks that vectors, index and texts describe the same corpus.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInconsistent)
	}
	if s.Index == nil {
		return fmt.Errorf("%w: missing index", ErrInconsistent)
	}
	n := len(s.Texts)
	if len(s.Vectors) != n || s.Index.Len() != n {
		return fmt.Errorf("%w: %d texts, %d vectors, index holds %d",
			ErrInconsistent, n, len(s.Vectors), s.Index.Len())
	}
	if n == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrInconsistent)
	}
	dim := s.Index.Dim()
	for i, v := range s.Vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, index has %d",
				ErrInconsistent, i, len(v), dim)
		}
	}
	return nil
}

// validateAgainstIndex additionally checks that the stored index holds
// exactly the stored vectors. Used on load, where the two come from
// separate artifacts.
func (s *Snapshot) validateAgainstIndex() error {
	if err := s.Validate(); err != nil {
		return err
	}
	for i, v := range s.Index.Vectors() {
		if !slices.Equal(v, s.Vectors[i]) {
			return fmt.Errorf("%w: index vector %d differs from embeddings", ErrInconsistent, i)
		}
	}
	return nil
}

// Store persists and restores snapshots. Implementations must be safe for
// concurrent use.
type Store interface {
	// Load returns the persisted snapshot, or nil when none is usable.
	// Read failures are logged and reported as absent; the returned error is
	// non-nil only when ctx is done.
	Load(ctx context.Context) (*Snapshot, error)
	// Save persists snap atomically with respect to concurrent Load calls.
	Save(ctx context.Context, snap *Snapshot) error
	// Invalidate removes the persisted snapshot so the next Load is absent.
	Invalidate(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}
