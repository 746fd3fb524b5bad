// Package vectorindex provides exact inner-product nearest neighbor search
// over fixed-dimension embeddings.
//
// Vectors live in one contiguous float32 arena and are addressed by slot,
// the zero-based position at which they were added. Slots are never reused.
// Callers that want cosine similarity must L2-normalize vectors (see
// Normalize) before both Add and Search.
package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sync"
)

// DefaultDimension matches the 1536-wide embeddings produced by the hosted
// embedding models the bank was first built against.
const DefaultDimension = 1536

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCorruptIndex is returned when a serialized index cannot be decoded.
	ErrCorruptIndex = errors.New("corrupt vector index")
)

// Hit is a single search result: the slot of a stored vector and its
// inner-product score against the query.
type Hit struct {
	Slot  int
	Score float32
}

// Index is a flat inner-product index. Safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	dim  int
	data []float32 // len(data) == count*dim
}

// New creates an empty Index for vectors of length dim.
func New(dim int) *Index {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Index{dim: dim}
}

// Dim returns the vector dimension of the index.
func (x *Index) Dim() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Size returns the number of vectors stored.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.data) / x.dim
}

// Add appends vector and returns the slot it was assigned.
func (x *Index) Add(vector []float32) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(vector) != x.dim {
		return 0, fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vector), x.dim)
	}
	slot := len(x.data) / x.dim
	x.data = append(x.data, vector...)
	return slot, nil
}

// Search returns the k highest-scoring slots for query, sorted by descending
// score. k is clamped to Size. An empty index yields no hits and no error.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	count := len(x.data) / x.dim
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k > count {
		k = count
	}

	h := make(hitHeap, 0, k)
	for slot := 0; slot < count; slot++ {
		score := dot(query, x.data[slot*x.dim:(slot+1)*x.dim])
		if h.Len() < k {
			heap.Push(&h, Hit{Slot: slot, Score: score})
		} else if score > h[0].Score {
			h[0] = Hit{Slot: slot, Score: score}
			heap.Fix(&h, 0)
		}
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(&h).(Hit)
	}
	return hits, nil
}

// Normalize returns a unit-length copy of v. A zero vector is returned as an
// unchanged copy.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)

	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i := range out {
		out[i] = float32(float64(out[i]) / n)
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return float32(s)
}

// hitHeap is a min-heap of Hit ordered by Score. Ties keep the lower slot
// ranked higher so results are deterministic.
type hitHeap []Hit

func (h hitHeap) Len() int { return len(h) }
func (h hitHeap) Less(i, j int) bool {
	if h[i].Score == h[j].Score {
		return h[i].Slot > h[j].Slot
	}
	return h[i].Score < h[j].Score
}
func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)   { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
