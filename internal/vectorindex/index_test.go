package vectorindex

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
)

// randomVectors returns n deterministic pseudo-random vectors of length dim.
func randomVectors(seed uint64, n, dim int) [][]float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func mustIndex(t *testing.T, vecs [][]float32) *Index {
	t.Helper()
	x := New()
	if err := x.Add(vecs...); err != nil {
		t.Fatalf("add: %v", err)
	}
	return x
}

func TestSearch_EmptyIndex(t *testing.T) {
	t.Parallel()

	_, err := New().Search([]float32{1, 2}, 3)
	if !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("expected ErrEmptyIndex, got %v", err)
	}
}

func TestSearch_InvalidK(t *testing.T) {
	t.Parallel()

	x := mustIndex(t, [][]float32{{0, 0}})
	for _, k := range []int{0, -1} {
		if _, err := x.Search([]float32{0, 0}, k); !errors.Is(err, ErrInvalidK) {
			t.Errorf("k=%d: expected ErrInvalidK, got %v", k, err)
		}
	}
}

func TestAdd_DimensionMismatchLeavesIndexUnchanged(t *testing.T) {
	t.Parallel()

	x := mustIndex(t, [][]float32{{1, 2, 3}})

	err := x.Add([]float32{1, 2, 3}, []float32{1, 2})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if x.Len() != 1 {
		t.Errorf("failed Add must not store vectors: len=%d", x.Len())
	}
}

func TestAdd_ZeroLengthVectorRejected(t *testing.T) {
	t.Parallel()

	if err := New().Add([]float32{}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestNewWithDim_FixesDimension(t *testing.T) {
	t.Parallel()

	x, err := NewWithDim(4)
	if err != nil {
		t.Fatalf("NewWithDim: %v", err)
	}
	if err := x.Add([]float32{1, 2, 3}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := NewWithDim(0); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestSearch_QueryDimensionMismatch(t *testing.T) {
	t.Parallel()

	x := mustIndex(t, [][]float32{{1, 2, 3}})
	if _, err := x.Search([]float32{1, 2}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSearch_ExactlyKSortedUnique(t *testing.T) {
	t.Parallel()

	vecs := randomVectors(7, 200, 16)
	x := mustIndex(t, vecs)
	query := randomVectors(99, 1, 16)[0]

	for _, k := range []int{1, 5, 50, 200} {
		hits, err := x.Search(query, k)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if len(hits) != k {
			t.Fatalf("k=%d: got %d hits", k, len(hits))
		}
		seen := make(map[int]bool, k)
		for i, h := range hits {
			if seen[h.Position] {
				t.Fatalf("k=%d: duplicate position %d", k, h.Position)
			}
			seen[h.Position] = true
			if i > 0 && hits[i-1].Distance > h.Distance {
				t.Fatalf("k=%d: hits not sorted at %d: %v > %v", k, i, hits[i-1].Distance, h.Distance)
			}
			if want := SquaredL2(query, vecs[h.Position]); want != h.Distance {
				t.Fatalf("k=%d: distance for %d = %v, want %v", k, h.Position, h.Distance, want)
			}
		}
	}
}

func TestSearch_KLargerThanLenReturnsAll(t *testing.T) {
	t.Parallel()

	x := mustIndex(t, randomVectors(1, 3, 4))
	hits, err := x.Search([]float32{0, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected all 3 vectors, got %d", len(hits))
	}
}

func TestSearch_TiesBrokenByPosition(t *testing.T) {
	t.Parallel()

	// Positions 0, 2 and 3 are all at distance 1 from the origin.
	x := mustIndex(t, [][]float32{{1, 0}, {3, 0}, {0, 1}, {-1, 0}})
	hits, err := x.Search([]float32{0, 0}, 4)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := make([]int, len(hits))
	for i, h := range hits {
		got[i] = h.Position
	}
	if want := []int{0, 2, 3, 1}; !slices.Equal(got, want) {
		t.Errorf("positions: got %v, want %v", got, want)
	}
}

func TestSearch_Deterministic(t *testing.T) {
	t.Parallel()

	vecs := randomVectors(3, 500, 8)
	x := mustIndex(t, vecs)
	query := randomVectors(4, 1, 8)[0]

	first, err := x.Search(query, 25)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for range 10 {
		again, err := x.Search(query, 25)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if !slices.Equal(first, again) {
			t.Fatal("repeated search returned a different ordering")
		}
	}

	// A second index built from the same vectors must agree as well.
	other := mustIndex(t, vecs)
	again, err := other.Search(query, 25)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !slices.Equal(first, again) {
		t.Fatal("identical index state returned a different ordering")
	}
}

func TestSearch_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	x := mustIndex(t, randomVectors(5, 300, 8))
	query := randomVectors(6, 1, 8)[0]
	want, err := x.Search(query, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			got, err := x.Search(query, 10)
			if err != nil {
				t.Errorf("concurrent search: %v", err)
				return
			}
			if !slices.Equal(got, want) {
				t.Error("concurrent search returned a different ordering")
			}
		})
	}
	wg.Wait()
}

func TestAdd_CopiesInput(t *testing.T) {
	t.Parallel()

	v := []float32{1, 1}
	x := mustIndex(t, [][]float32{v})
	v[0] = 100

	if got := x.Vectors()[0][0]; got != 1 {
		t.Errorf("index aliased caller slice: got %v", got)
	}
}
