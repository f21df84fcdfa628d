package ann

import (
	"sort"
	"time"

	"catrec/internal/domain"
)

// RecallAtK is the fraction of relevant items present in retrieved.
func RecallAtK[T comparable](retrieved, relevant []T) float64 {
	if len(relevant) == 0 {
		return 0
	}
	relevantSet := make(map[T]bool, len(relevant))
	for _, r := range relevant {
		relevantSet[r] = true
	}
	hits := 0
	for _, r := range retrieved {
		if relevantSet[r] {
			hits++
		}
	}
	return float64(hits) / float64(len(relevant))
}

// ReciprocalRank is 1/position of want in retrieved, or 0 if absent.
func ReciprocalRank[T comparable](retrieved []T, want T) float64 {
	for i, r := range retrieved {
		if r == want {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

// RecallReport summarizes an approximate-vs-exact comparison.
type RecallReport struct {
	Queries    int
	K          int
	Ef         int
	MeanRecall float64
	MinRecall  float64
	ApproxP50  time.Duration
	ApproxP95  time.Duration
	ExactP50   time.Duration
	ExactP95   time.Duration
}

// MeasureRecall runs every query through idx.Search and idx.Exact and
// compares the returned ids.
func MeasureRecall(idx Index, queries []domain.Vector, k, ef int) RecallReport {
	rep := RecallReport{Queries: len(queries), K: k, Ef: ef, MinRecall: 1}
	if len(queries) == 0 {
		return rep
	}

	approxLat := make([]time.Duration, 0, len(queries))
	exactLat := make([]time.Duration, 0, len(queries))
	total := 0.0

	for _, q := range queries {
		start := time.Now()
		got := idx.Search(q, k, ef, nil)
		approxLat = append(approxLat, time.Since(start))
		if len(got) > k {
			got = got[:k]
		}

		start = time.Now()
		want := idx.Exact(q, k, nil)
		exactLat = append(exactLat, time.Since(start))

		r := RecallAtK(ids(got), ids(want))
		if len(want) == 0 {
			r = 1
		}
		total += r
		if r < rep.MinRecall {
			rep.MinRecall = r
		}
	}

	rep.MeanRecall = total / float64(len(queries))
	rep.ApproxP50, rep.ApproxP95 = percentiles(approxLat)
	rep.ExactP50, rep.ExactP95 = percentiles(exactLat)
	return rep
}

func ids(c []Candidate) []uint32 {
	out := make([]uint32, len(c))
	for i, x := range c {
		out[i] = x.ID
	}
	return out
}

func percentiles(d []time.Duration) (p50, p95 time.Duration) {
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	at := func(p float64) time.Duration {
		i := int(p * float64(len(d)-1))
		return d[i]
	}
	return at(0.50), at(0.95)
}
