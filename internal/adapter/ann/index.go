// Package ann provides approximate nearest neighbour indexes over
// L2-normalized vectors. Similarity is the dot product.
package ann

import (
	"container/heap"
	"fmt"
	"sort"

	"catrec/internal/domain"
)

// Accept reports whether a node may appear in results. Rejected nodes are
// still traversed.
type Accept func(id uint32) bool

// Candidate is a scored node.
type Candidate struct {
	ID    uint32
	Score float32
}

// Index is an in-memory similarity index. Node ids are dense and assigned
// in insertion order starting at zero.
type Index interface {
	// Add inserts v and returns its node id.
	Add(v domain.Vector) uint32

	// Search returns up to max(k, ef) accepted candidates, best first.
	Search(q domain.Vector, k, ef int, accept Accept) []Candidate

	// Exact scans every node and returns the k best accepted candidates.
	Exact(q domain.Vector, k int, accept Accept) []Candidate

	Len() int
}

// Options configures index construction.
type Options struct {
	Algorithm      string
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultOptions returns the HNSW defaults.
func DefaultOptions() Options {
	return Options{Algorithm: "hnsw", M: 16, EfConstruction: 200, EfSearch: 100, Seed: 42}
}

// New creates an empty index for opts.Algorithm.
func New(opts Options) (Index, error) {
	switch opts.Algorithm {
	case "", "hnsw":
		return NewHNSW(opts), nil
	case "flat":
		return NewFlat(), nil
	default:
		return nil, fmt.Errorf("unknown ann algorithm %q", opts.Algorithm)
	}
}

// better orders candidates by score descending, then id ascending.
func better(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// SortCandidates sorts best first.
func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool { return better(c[i], c[j]) })
}

// maxHeap pops the best candidate first.
type maxHeap []Candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return better(h[i], h[j]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// minHeap pops the worst candidate first.
type minHeap []Candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// topK keeps the k best candidates seen.
type topK struct {
	k int
	h minHeap
}

func (t *topK) offer(c Candidate) {
	if len(t.h) < t.k {
		heap.Push(&t.h, c)
		return
	}
	if better(c, t.h[0]) {
		t.h[0] = c
		heap.Fix(&t.h, 0)
	}
}

func (t *topK) sorted() []Candidate {
	out := make([]Candidate, len(t.h))
	copy(out, t.h)
	SortCandidates(out)
	return out
}

// scan is the exact search shared by every index.
func scan(vectors []domain.Vector, q domain.Vector, k int, accept Accept) []Candidate {
	if k <= 0 {
		return nil
	}
	t := topK{k: k}
	for i, v := range vectors {
		id := uint32(i)
		if accept != nil && !accept(id) {
			continue
		}
		t.offer(Candidate{ID: id, Score: domain.Dot(q, v)})
	}
	return t.sorted()
}

// visitedList marks nodes seen by one layer search. A node counts as
// visited when its mark equals the current epoch, so reusing the list only
// bumps the epoch instead of clearing it.
type visitedList struct {
	marks []uint32
	epoch uint32
}

// reset prepares the list for a graph of n nodes.
func (v *visitedList) reset(n int) {
	if n > len(v.marks) {
		size := 2 * len(v.marks)
		if size < n {
			size = n
		}
		v.marks = make([]uint32, size)
		v.epoch = 0
	}
	v.epoch++
	if v.epoch == 0 {
		clear(v.marks)
		v.epoch = 1
	}
}

// testAndSet marks i and reports whether it was already marked.
func (v *visitedList) testAndSet(i uint32) bool {
	if v.marks[i] == v.epoch {
		return true
	}
	v.marks[i] = v.epoch
	return false
}
