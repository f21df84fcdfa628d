package retriever

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catrec/internal/domain"
)

func hit(record, catalog string, score float64) domain.SearchHit {
	return domain.SearchHit{RecordID: record, CatalogItemID: catalog, Score: score}
}

func TestAggregate_GroupsAndRanks(t *testing.T) {
	hits := []domain.SearchHit{
		hit("r1", "pwd-reset", 0.91),
		hit("r2", "pwd-reset", 0.88),
		hit("r3", "email", 0.60),
		hit("r4", "pwd-reset", 0.85),
		hit("r5", "printer", 0.40),
	}
	recs := Aggregate(hits, RankingOptions{HitWeight: 0.3}, 5)

	require.Len(t, recs, 3)
	assert.Equal(t, "pwd-reset", recs[0].CatalogItemID)
	assert.Equal(t, 3, recs[0].SupportingHits)
	assert.InDelta(t, 0.91, recs[0].MaxSimilarity, 1e-9)
	assert.InDelta(t, 0.91+0.3*0.09*(2.0/3.0), recs[0].Confidence, 1e-9)

	assert.Equal(t, "email", recs[1].CatalogItemID)
	assert.InDelta(t, 0.60, recs[1].Confidence, 1e-9, "single hit scores its similarity")
	assert.Equal(t, "printer", recs[2].CatalogItemID)

	for i, r := range recs {
		assert.Equal(t, i+1, r.Rank)
	}
}

func TestAggregate_TiesBrokenByCatalogID(t *testing.T) {
	hits := []domain.SearchHit{
		hit("r1", "zeta", 0.7),
		hit("r2", "alpha", 0.7),
		hit("r3", "mid", 0.7),
	}
	recs := Aggregate(hits, RankingOptions{HitWeight: 0.3}, 10)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"},
		[]string{recs[0].CatalogItemID, recs[1].CatalogItemID, recs[2].CatalogItemID})
	assert.Equal(t, []int{1, 2, 3}, []int{recs[0].Rank, recs[1].Rank, recs[2].Rank})
}

func TestAggregate_TruncatesAndNonIncreasing(t *testing.T) {
	var hits []domain.SearchHit
	for i := 0; i < 40; i++ {
		hits = append(hits, hit(fmt.Sprintf("r%02d", i), fmt.Sprintf("item-%d", i%13), 0.3+float64(i%17)/40))
	}
	recs := Aggregate(hits, RankingOptions{HitWeight: 0.5}, 5)
	require.Len(t, recs, 5)
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i-1].Confidence, recs[i].Confidence)
		assert.Equal(t, recs[i-1].Rank+1, recs[i].Rank)
	}
}

func TestAggregate_MinSimilarity(t *testing.T) {
	hits := []domain.SearchHit{
		hit("r1", "a", 0.9),
		hit("r2", "a", 0.1),
		hit("r3", "b", 0.2),
	}
	recs := Aggregate(hits, RankingOptions{HitWeight: 0.3, MinSimilarity: 0.5}, 5)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].CatalogItemID)
	assert.Equal(t, 1, recs[0].SupportingHits)
}

func TestAggregate_Empty(t *testing.T) {
	assert.Empty(t, Aggregate(nil, RankingOptions{}, 5))
	assert.Empty(t, Aggregate([]domain.SearchHit{hit("r", "a", 1)}, RankingOptions{}, 0))
}

func TestConfidence_Monotonic(t *testing.T) {
	sims := []float64{-0.5, 0, 0.2, 0.5, 0.8, 0.99, 1}
	for _, w := range []float64{0, 0.3, 1} {
		for _, sa := range sims {
			for _, sb := range sims {
				if sa < sb {
					continue
				}
				for ha := 1; ha <= 6; ha++ {
					for hb := 1; hb <= ha; hb++ {
						assert.GreaterOrEqual(t, Confidence(sa, ha, w), Confidence(sb, hb, w),
							"w=%v a=(%v,%d) b=(%v,%d)", w, sa, ha, sb, hb)
					}
				}
			}
		}
	}
}

func TestConfidence_MoreHitsWinsAtEqualSimilarity(t *testing.T) {
	// 98 supporting hits against 100 near-equal single hits elsewhere
	var hits []domain.SearchHit
	for i := 0; i < 98; i++ {
		hits = append(hits, hit(fmt.Sprintf("p%03d", i), "pwd-reset", 0.80))
	}
	hits = append(hits, hit("x1", "email", 0.80), hit("x2", "printer", 0.80))

	recs := Aggregate(hits, RankingOptions{HitWeight: 0.3}, 3)
	require.Len(t, recs, 3)
	assert.Equal(t, "pwd-reset", recs[0].CatalogItemID)
	assert.Equal(t, 98, recs[0].SupportingHits)
	assert.Greater(t, recs[0].Confidence, recs[1].Confidence)
}

func TestAggregate_Recency(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := &domain.IndexEntry{Timestamp: now.Add(-365 * 24 * time.Hour)}
	fresh := &domain.IndexEntry{Timestamp: now.Add(-24 * time.Hour)}

	hits := []domain.SearchHit{
		{RecordID: "r1", CatalogItemID: "old", Score: 0.8, Entry: old},
		{RecordID: "r2", CatalogItemID: "fresh", Score: 0.78, Entry: fresh},
	}
	opts := RankingOptions{HitWeight: 0.3, RecencyWeight: 0.5, RecencyHalfLife: 90 * 24 * time.Hour, Now: func() time.Time { return now }}

	recs := Aggregate(hits, opts, 2)
	require.Len(t, recs, 2)
	assert.Equal(t, "fresh", recs[0].CatalogItemID)

	recs = Aggregate(hits, RankingOptions{HitWeight: 0.3}, 2)
	assert.Equal(t, "old", recs[0].CatalogItemID, "without recency similarity decides")
}

func TestRecencyFactor(t *testing.T) {
	day := 24 * time.Hour
	assert.InDelta(t, 1.0, RecencyFactor(0, 90*day, 0.5), 1e-12)
	assert.InDelta(t, 0.75, RecencyFactor(90*day, 90*day, 0.5), 1e-12)
	assert.InDelta(t, 1.0, RecencyFactor(-day, 90*day, 0.5), 1e-12)
	assert.Equal(t, 1.0, RecencyFactor(day, 0, 0.5))
}
