package port

import (
	"context"

	"catrec/internal/domain"
)

// RecordFeed is a bounded extraction feed of historical records.
type RecordFeed interface {
	// Records calls fn for each record. Returning an error from fn stops the scan.
	Records(ctx context.Context, fn func(domain.HistoricalRecord) error) error

	// Name identifies the feed in logs and run reports.
	Name() string
}

// RunStore keeps the ledger of indexing runs.
type RunStore interface {
	SaveRun(ctx context.Context, run domain.IndexRun) error
	GetRun(ctx context.Context, id string) (domain.IndexRun, error)
	ListRuns(ctx context.Context, limit int) ([]domain.IndexRun, error)
}
