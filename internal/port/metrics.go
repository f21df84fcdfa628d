package port

import "time"

// Metrics receives operational measurements. Implementations must be safe
// for concurrent use.
type Metrics interface {
	RecordSearch(code string, latency time.Duration, hits int)
	RecordEmbedding(outcome string, items int, latency time.Duration)
	RecordEmbeddingCache(hit bool)
	RecordIndexRun(state string, indexed, failed int, duration time.Duration)
	SetActiveVersion(version uint64, count int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordSearch(string, time.Duration, int) {}
func (NopMetrics) RecordEmbedding(string, int, time.Duration) {}
func (NopMetrics) RecordEmbeddingCache(bool) {}
func (NopMetrics) RecordIndexRun(string, int, int, time.Duration) {}
func (NopMetrics) SetActiveVersion(uint64, int) {}
