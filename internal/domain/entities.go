package domain

import (
	"fmt"
	"time"
)

// Metadata holds scalar attributes attached to a historical record.
// Values are restricted to strings, numbers and booleans.
type Metadata map[string]any

// Validate reports the first non-scalar value found in the metadata.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		default:
			return fmt.Errorf("metadata key %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

// Clone returns a shallow copy of the metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HistoricalRecord is one entry of the extraction feed.
type HistoricalRecord struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	CatalogItemID string    `json:"catalogItemId"`
	Timestamp     time.Time `json:"timestamp"`
	Metadata      Metadata  `json:"metadata,omitempty"`
}

// IndexVersion tags one generation of the vector index. Zero means no version.
type IndexVersion uint64

// Vector is an L2-normalized embedding.
type Vector []float32

// IndexEntry is the unit stored by the vector store.
type IndexEntry struct {
	RecordID      string       `json:"recordId"`
	Vector        Vector       `json:"vector"`
	CatalogItemID string       `json:"catalogItemId"`
	Metadata      Metadata     `json:"metadata,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Version       IndexVersion `json:"version"`
}

// SearchHit is a single nearest-neighbour match.
type SearchHit struct {
	RecordID      string
	CatalogItemID string
	Score         float64
	Entry         *IndexEntry
}

// Recommendation is a catalog item ranked for a query.
type Recommendation struct {
	CatalogItemID  string  `json:"catalogItemId"`
	Confidence     float64 `json:"confidenceScore"`
	SupportingHits int     `json:"supportingHitCount"`
	MaxSimilarity  float64 `json:"maxSimilarity"`
	Rank           int     `json:"rank"`
}

// SearchRequest is a recommendation query.
type SearchRequest struct {
	QueryText string         `json:"queryText"`
	TopK      int            `json:"topK,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// SearchResponse carries ranked recommendations for a query.
type SearchResponse struct {
	Recommendations []Recommendation `json:"recommendations"`
	IndexVersion    IndexVersion     `json:"indexVersion"`
	Degraded        bool             `json:"degraded"`
	QueryLatencyMs  int64            `json:"queryLatencyMs"`
	Cached          bool             `json:"cached,omitempty"`
}

// VersionState is the lifecycle state of an index version.
type VersionState string

const (
	VersionBuilding VersionState = "building"
	VersionReady    VersionState = "ready"
	VersionActive   VersionState = "active"
	VersionRetired  VersionState = "retired"
)

// VersionInfo describes one index version.
type VersionInfo struct {
	Version     IndexVersion `json:"version"`
	State       VersionState `json:"state"`
	Count       int          `json:"count"`
	CreatedAt   time.Time    `json:"createdAt"`
	ActivatedAt time.Time    `json:"activatedAt,omitempty"`
}

// IndexStats summarizes the vector store.
type IndexStats struct {
	ActiveVersion IndexVersion  `json:"activeVersion"`
	ActiveCount   int           `json:"activeCount"`
	Dimension     int           `json:"dimension"`
	Algorithm     string        `json:"algorithm"`
	Versions      []VersionInfo `json:"versions"`
	NeedsReindex  bool          `json:"needsReindex"`
	Reason        string        `json:"reason,omitempty"`
}

// CompactResult lists what a compaction removed.
type CompactResult struct {
	Dropped []IndexVersion `json:"dropped"`
	Skipped []IndexVersion `json:"skipped,omitempty"`
}

// RunState is a state of the indexing pipeline.
type RunState string

const (
	RunIdle       RunState = "idle"
	RunExtracting RunState = "extracting"
	RunEmbedding  RunState = "embedding"
	RunUpserting  RunState = "upserting"
	RunActivating RunState = "activating"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
)

// Terminal reports whether no further transitions follow.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RecordFailure is a record excluded from a run.
type RecordFailure struct {
	RecordID string    `json:"recordId"`
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
}

// IndexRun is the ledger entry of one pipeline run.
type IndexRun struct {
	ID         string          `json:"id"`
	Version    IndexVersion    `json:"version"`
	State      RunState        `json:"state"`
	Source     string          `json:"source"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
	Total      int             `json:"total"`
	Indexed    int             `json:"indexed"`
	Failed     int             `json:"failed"`
	Invalid    int             `json:"invalid"`
	Duplicates int             `json:"duplicates"`
	Failures   []RecordFailure `json:"failures,omitempty"`
	Previous   IndexVersion    `json:"previousVersion,omitempty"`
	Error      string          `json:"error,omitempty"`
}
