package port

import (
	"context"

	"catrec/internal/domain"
)

// VectorStore stores versioned index entries and answers similarity queries
// against the active version.
type VectorStore interface {
	// CreateVersion allocates a new, empty version in the building state.
	CreateVersion(ctx context.Context) (domain.IndexVersion, error)

	// Upsert adds entries to the versions they are tagged with. Re-upserting
	// a record id within a version supersedes the earlier entry.
	Upsert(ctx context.Context, entries []domain.IndexEntry) error

	// Activate atomically makes version visible to searches.
	Activate(ctx context.Context, version domain.IndexVersion) error

	// Discard drops a version that is not active.
	Discard(ctx context.Context, version domain.IndexVersion) error

	// Search returns at most k hits from the active version, best first.
	Search(ctx context.Context, vector domain.Vector, k int, filter domain.Filter) ([]domain.SearchHit, error)

	// Compact drops every version not listed in retain.
	Compact(ctx context.Context, retain []domain.IndexVersion) (domain.CompactResult, error)

	// ActiveVersion returns the version currently served, or 0.
	ActiveVersion() domain.IndexVersion

	// Count returns the number of live entries in version, or 0 when the
	// version is unknown.
	Count(version domain.IndexVersion) int

	// Stats describes the active version and all known versions.
	Stats(ctx context.Context) (domain.IndexStats, error)

	// Dimension returns the vector size every entry must have.
	Dimension() int
}

// IndexPersistence is the durable backing of a vector store.
type IndexPersistence interface {
	// LoadVersions returns every persisted version and the active one.
	LoadVersions(ctx context.Context) ([]domain.VersionInfo, domain.IndexVersion, error)

	// LoadEntries streams a version's entries in record id order.
	LoadEntries(ctx context.Context, version domain.IndexVersion, fn func(domain.IndexEntry) error) error

	// NextVersion allocates a version number greater than any issued before.
	NextVersion(ctx context.Context) (domain.IndexVersion, error)

	// SaveVersion creates or updates version metadata.
	SaveVersion(ctx context.Context, info domain.VersionInfo) error

	// PutEntries writes entries of a single version.
	PutEntries(ctx context.Context, version domain.IndexVersion, entries []domain.IndexEntry) error

	// SetActive records the active version.
	SetActive(ctx context.Context, version domain.IndexVersion) error

	// DropVersion removes a version and all of its entries.
	DropVersion(ctx context.Context, version domain.IndexVersion) error
}
