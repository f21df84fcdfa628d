// Package retriever turns nearest-neighbour hits into ranked catalog
// recommendations.
package retriever

import (
	"math"
	"sort"
	"time"

	"catrec/config"
	"catrec/internal/domain"
)

// RankingOptions tunes how hit groups are scored.
type RankingOptions struct {
	// HitWeight in [0,1] is how much of the gap between the best similarity
	// and 1 additional supporting hits can close.
	HitWeight float64

	// MinSimilarity drops hits scoring below it. Zero disables the floor.
	MinSimilarity float64

	// RecencyWeight in [0,1] blends in a half-life decay on the age of the
	// group's newest record. Zero disables it.
	RecencyWeight   float64
	RecencyHalfLife time.Duration

	// Now is the reference time for recency. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps ranking configuration onto RankingOptions.
func OptionsFromConfig(cfg config.RankingConfig) RankingOptions {
	return RankingOptions{
		HitWeight:       cfg.HitWeight,
		MinSimilarity:   cfg.MinSimilarity,
		RecencyWeight:   cfg.RecencyWeight,
		RecencyHalfLife: cfg.RecencyHalfLife,
	}
}

type group struct {
	catalogID string
	maxSim    float64
	hits      int
	newest    time.Time
}

// Aggregate groups hits by catalog item, scores each group and returns at
// most topK recommendations ordered by confidence, then catalog id.
// It performs no I/O.
func Aggregate(hits []domain.SearchHit, opts RankingOptions, topK int) []domain.Recommendation {
	if len(hits) == 0 || topK <= 0 {
		return []domain.Recommendation{}
	}

	groups := make(map[string]*group)
	for _, h := range hits {
		if math.IsNaN(h.Score) || h.CatalogItemID == "" {
			continue
		}
		if opts.MinSimilarity != 0 && h.Score < opts.MinSimilarity {
			continue
		}
		g, ok := groups[h.CatalogItemID]
		if !ok {
			g = &group{catalogID: h.CatalogItemID, maxSim: h.Score}
			groups[h.CatalogItemID] = g
		}
		g.hits++
		if h.Score > g.maxSim {
			g.maxSim = h.Score
		}
		if h.Entry != nil && h.Entry.Timestamp.After(g.newest) {
			g.newest = h.Entry.Timestamp
		}
	}

	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}

	recs := make([]domain.Recommendation, 0, len(groups))
	for _, g := range groups {
		conf := Confidence(g.maxSim, g.hits, opts.HitWeight)
		if opts.RecencyWeight > 0 && !g.newest.IsZero() {
			conf *= RecencyFactor(now.Sub(g.newest), opts.RecencyHalfLife, opts.RecencyWeight)
		}
		recs = append(recs, domain.Recommendation{
			CatalogItemID:  g.catalogID,
			Confidence:     conf,
			SupportingHits: g.hits,
			MaxSimilarity:  g.maxSim,
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Confidence != recs[j].Confidence {
			return recs[i].Confidence > recs[j].Confidence
		}
		return recs[i].CatalogItemID < recs[j].CatalogItemID
	})

	if len(recs) > topK {
		recs = recs[:topK]
	}
	for i := range recs {
		recs[i].Rank = i + 1
	}
	return recs
}

// Confidence is maxSim + w*(1-maxSim)*(1-1/hits).
// For w in [0,1] and maxSim <= 1 it is non-decreasing in both maxSim and
// hits, and a single hit scores exactly its similarity.
func Confidence(maxSim float64, hits int, w float64) float64 {
	if hits < 1 {
		hits = 1
	}
	return maxSim + w*(1-maxSim)*(1-1/float64(hits))
}

// RecencyFactor is (1-weight) + weight*2^(-age/halfLife). Future timestamps
// count as age zero.
func RecencyFactor(age, halfLife time.Duration, weight float64) float64 {
	if halfLife <= 0 || weight <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
	return (1 - weight) + weight*decay
}
