package ann

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"catrec/internal/domain"
)

// filteredVisitFactor bounds how many nodes a filtered search may visit,
// as a multiple of ef, before giving up on finding more matches.
const filteredVisitFactor = 64

type hnswNode struct {
	level int
	links [][]uint32 // per layer, 0..level
}

// HNSW is a hierarchical navigable small world graph (Malkov & Yashunin).
// Inserts are serialized; searches run concurrently with each other and
// with inserts. Given the same seed and insertion order the graph is
// identical across builds.
type HNSW struct {
	m              int
	m0             int
	efConstruction int
	efSearch       int
	levelMult      float64

	mu       sync.RWMutex
	rng      *rand.Rand
	vectors  []domain.Vector
	nodes    []hnswNode
	entry    int64 // -1 when empty
	maxLevel int

	visited sync.Pool // *visitedList
}

// NewHNSW creates an empty graph.
func NewHNSW(opts Options) *HNSW {
	d := DefaultOptions()
	if opts.M < 2 {
		opts.M = d.M
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = d.EfConstruction
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = d.EfSearch
	}
	return &HNSW{
		m:              opts.M,
		m0:             2 * opts.M,
		efConstruction: opts.EfConstruction,
		efSearch:       opts.EfSearch,
		levelMult:      1 / math.Log(float64(opts.M)),
		rng:            rand.New(rand.NewSource(opts.Seed)),
		entry:          -1,
		visited:        sync.Pool{New: func() any { return new(visitedList) }},
	}
}

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.vectors)
}

func (h *HNSW) randomLevel() int {
	u := 1 - h.rng.Float64() // (0, 1]
	return int(math.Floor(-math.Log(u) * h.levelMult))
}

func (h *HNSW) maxLinks(layer int) int {
	if layer == 0 {
		return h.m0
	}
	return h.m
}

func (h *HNSW) sim(q domain.Vector, id uint32) float32 {
	return domain.Dot(q, h.vectors[id])
}

func (h *HNSW) Add(v domain.Vector) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uint32(len(h.vectors))
	level := h.randomLevel()
	h.vectors = append(h.vectors, v)
	h.nodes = append(h.nodes, hnswNode{level: level, links: make([][]uint32, level+1)})

	if h.entry < 0 {
		h.entry = int64(id)
		h.maxLevel = level
		return id
	}

	ep := Candidate{ID: uint32(h.entry), Score: h.sim(v, uint32(h.entry))}
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedy(v, ep, l)
	}

	eps := []Candidate{ep}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		w := h.searchLayer(v, eps, h.efConstruction, l, nil, 0)
		neighbors := h.selectNeighbors(w, h.m)
		links := make([]uint32, len(neighbors))
		for i, n := range neighbors {
			links[i] = n.ID
		}
		h.nodes[id].links[l] = links

		for _, n := range neighbors {
			h.connect(n.ID, id, l)
		}
		eps = w
	}

	if level > h.maxLevel {
		h.entry = int64(id)
		h.maxLevel = level
	}
	return id
}

// connect adds a back-link from node to id, pruning node's list when it
// exceeds the layer's capacity.
func (h *HNSW) connect(node, id uint32, layer int) {
	links := append(h.nodes[node].links[layer], id)
	if len(links) <= h.maxLinks(layer) {
		h.nodes[node].links[layer] = links
		return
	}

	base := h.vectors[node]
	cands := make([]Candidate, len(links))
	for i, l := range links {
		cands[i] = Candidate{ID: l, Score: h.sim(base, l)}
	}
	SortCandidates(cands)
	kept := h.selectNeighbors(cands, h.maxLinks(layer))

	pruned := make([]uint32, len(kept))
	for i, c := range kept {
		pruned[i] = c.ID
	}
	h.nodes[node].links[layer] = pruned
}

// selectNeighbors applies the diversity heuristic to candidates sorted best
// first, then tops up with the best discarded ones.
func (h *HNSW) selectNeighbors(cands []Candidate, m int) []Candidate {
	if len(cands) <= m {
		return cands
	}
	selected := make([]Candidate, 0, m)
	var discarded []Candidate
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if h.sim(h.vectors[c.ID], s.ID) > c.Score {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		} else {
			discarded = append(discarded, c)
		}
	}
	for _, c := range discarded {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// greedy walks layer toward q starting at ep.
func (h *HNSW) greedy(q domain.Vector, ep Candidate, layer int) Candidate {
	for changed := true; changed; {
		changed = false
		for _, n := range h.nodes[ep.ID].links[layer] {
			c := Candidate{ID: n, Score: h.sim(q, n)}
			if better(c, ep) {
				ep = c
				changed = true
			}
		}
	}
	return ep
}

// searchLayer is the beam search of a single layer. Only accepted nodes
// enter the result set; maxVisits > 0 caps the number of visited nodes.
// The result is sorted best first.
func (h *HNSW) searchLayer(q domain.Vector, eps []Candidate, ef, layer int, accept Accept, maxVisits int) []Candidate {
	visited := h.visited.Get().(*visitedList)
	defer h.visited.Put(visited)
	visited.reset(len(h.vectors))
	cands := &maxHeap{}
	results := &minHeap{}
	visits := 0

	for _, ep := range eps {
		if visited.testAndSet(ep.ID) {
			continue
		}
		visits++
		heap.Push(cands, ep)
		if accept == nil || accept(ep.ID) {
			heap.Push(results, ep)
		}
	}
	for results.Len() > ef {
		heap.Pop(results)
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(Candidate)
		if results.Len() >= ef && better((*results)[0], c) {
			break
		}
		if maxVisits > 0 && visits >= maxVisits {
			break
		}
		node := h.nodes[c.ID]
		if layer > node.level {
			continue
		}
		for _, n := range node.links[layer] {
			if visited.testAndSet(n) {
				continue
			}
			visits++
			nc := Candidate{ID: n, Score: h.sim(q, n)}
			if results.Len() < ef || better(nc, (*results)[0]) {
				heap.Push(cands, nc)
				if accept == nil || accept(n) {
					heap.Push(results, nc)
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]Candidate, results.Len())
	copy(out, *results)
	SortCandidates(out)
	return out
}

// Search returns up to max(k, ef) accepted candidates. ef <= 0 uses the
// configured EfSearch. A filtered search has a bounded visit budget and
// may return fewer than k candidates even when more exist.
func (h *HNSW) Search(q domain.Vector, k, ef int, accept Accept) []Candidate {
	if k <= 0 {
		return nil
	}
	if ef <= 0 {
		ef = h.efSearch
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.entry < 0 {
		return nil
	}

	ep := Candidate{ID: uint32(h.entry), Score: h.sim(q, uint32(h.entry))}
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(q, ep, l)
	}

	maxVisits := 0
	if accept != nil {
		maxVisits = ef * filteredVisitFactor
	}
	return h.searchLayer(q, []Candidate{ep}, ef, 0, accept, maxVisits)
}

func (h *HNSW) Exact(q domain.Vector, k int, accept Accept) []Candidate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return scan(h.vectors, q, k, accept)
}
