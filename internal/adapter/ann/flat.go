package ann

import (
	"sync"

	"catrec/internal/domain"
)

// Flat is an exact brute-force index.
type Flat struct {
	mu      sync.RWMutex
	vectors []domain.Vector
}

// NewFlat creates an empty exact index.
func NewFlat() *Flat {
	return &Flat{}
}

func (f *Flat) Add(v domain.Vector) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = append(f.vectors, v)
	return uint32(len(f.vectors) - 1)
}

// Search is exact; ef only widens the result count.
func (f *Flat) Search(q domain.Vector, k, ef int, accept Accept) []Candidate {
	if ef < k {
		ef = k
	}
	return f.Exact(q, ef, accept)
}

func (f *Flat) Exact(q domain.Vector, k int, accept Accept) []Candidate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return scan(f.vectors, q, k, accept)
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}
