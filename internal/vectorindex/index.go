// Package vectorindex implements an exact, brute-force nearest-neighbour
// index over fixed-dimension float32 embeddings using squared Euclidean
// distance. Results are fully deterministic: equal distances are ordered by
// ascending insertion position.
//
// An Index is built once (via Add) and then searched concurrently. Add and
// Search may be called from different goroutines; the index guards its own
// state, but callers that publish a finished index to readers should treat
// it as immutable from that point on.
package vectorindex

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the dimension established by the first vector added to the index.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

	// ErrEmptyIndex is returned by Search when no vectors were ever added.
	ErrEmptyIndex = errors.New("vectorindex: index is empty")

	// ErrInvalidK is returned by Search when k is not positive.
	ErrInvalidK = errors.New("vectorindex: k must be positive")
)

// Neighbor is a single search hit: the insertion position of the stored
// vector and its squared Euclidean distance to the query.
type Neighbor struct {
	// Position is the zero-based insertion index of the matched vector.
	Position int
	// Distance is the squared L2 distance between query and stored vector.
	Distance float32
}

// Index is an in-memory flat L2 index.
type Index struct {
	// mu guards dim and vecs.
	mu sync.RWMutex
	// dim is the established vector dimension; zero until the first Add.
	dim int
	// vecs holds the stored vectors in insertion order.
	vecs [][]float32
}

// New returns an empty index. The dimension is fixed by the first Add.
func New() *Index {
	return &Index{}
}

// NewWithDim returns an empty index whose dimension is fixed up front.
// Useful when the embedding dimension is known from configuration.
func NewWithDim(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vectorindex: invalid dimension %d", dim)
	}
	return &Index{dim: dim}, nil
}

// Add appends vectors to the index. The whole batch is validated before
// anything is stored, so a failing Add leaves the index unchanged.
func (x *Index) Add(vectors ...[]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	dim := x.dim
	if dim == 0 {
		dim = len(vectors[0])
		if dim == 0 {
			return fmt.Errorf("%w: zero-length vector at position 0", ErrDimensionMismatch)
		}
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, index has %d",
				ErrDimensionMismatch, i, len(v), dim)
		}
	}

	for _, v := range vectors {
		x.vecs = append(x.vecs, slices.Clone(v))
	}
	x.dim = dim
	return nil
}

// Len returns the number of stored vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vecs)
}

// Dim returns the established dimension, or zero for an index that has
// never received a vector.
func (x *Index) Dim() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Vectors returns a deep copy of the stored vectors in insertion order.
func (x *Index) Vectors() [][]float32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([][]float32, len(x.vecs))
	for i, v := range x.vecs {
		out[i] = slices.Clone(v)
	}
	return out
}

// Search returns the k stored vectors closest to query, ascending by squared
// Euclidean distance with ties broken by ascending position. When k exceeds
// the number of stored vectors every vector is returned.
func (x *Index) Search(query []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.vecs) == 0 {
		return nil, ErrEmptyIndex
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			ErrDimensionMismatch, len(query), x.dim)
	}

	hits := make([]Neighbor, len(x.vecs))
	for i, v := range x.vecs {
		hits[i] = Neighbor{Position: i, Distance: SquaredL2(query, v)}
	}

	slices.SortFunc(hits, func(a, b Neighbor) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})

	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k:k], nil
}

// SquaredL2 returns the squared Euclidean distance between a and b.
// Both slices must have the same length.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
