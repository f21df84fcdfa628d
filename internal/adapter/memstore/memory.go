package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"catrec/internal/domain"
)

// MemoryStore is a non-durable persistence backend for the vector store,
// the embedding cache and the run ledger. Used for ephemeral serving and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[domain.IndexVersion]domain.VersionInfo
	entries  map[domain.IndexVersion]map[string]domain.IndexEntry
	active   domain.IndexVersion
	seq      uint64
	vectors  map[string]domain.Vector
	runs     map[string]domain.IndexRun
	writeErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[domain.IndexVersion]domain.VersionInfo),
		entries:  make(map[domain.IndexVersion]map[string]domain.IndexEntry),
		vectors:  make(map[string]domain.Vector),
		runs:     make(map[string]domain.IndexRun),
	}
}

// SetWriteError makes every subsequent index write fail with err until
// cleared with nil.
func (s *MemoryStore) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *MemoryStore) failWrite() error {
	if s.writeErr == nil {
		return nil
	}
	return domain.NewError(domain.CodeStorageUnavailable, "memory store write", s.writeErr)
}

func (s *MemoryStore) LoadVersions(ctx context.Context) ([]domain.VersionInfo, domain.IndexVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]domain.VersionInfo, 0, len(s.versions))
	for _, info := range s.versions {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Version < infos[j].Version })
	return infos, s.active, nil
}

func (s *MemoryStore) LoadEntries(ctx context.Context, version domain.IndexVersion, fn func(domain.IndexEntry) error) error {
	s.mu.RLock()
	m := s.entries[version]
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	entries := make([]domain.IndexEntry, 0, len(m))
	sort.Strings(ids)
	for _, id := range ids {
		entries = append(entries, m[id])
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) NextVersion(ctx context.Context) (domain.IndexVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return 0, err
	}
	s.seq++
	return domain.IndexVersion(s.seq), nil
}

func (s *MemoryStore) SaveVersion(ctx context.Context, info domain.VersionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	s.versions[info.Version] = info
	if s.entries[info.Version] == nil {
		s.entries[info.Version] = make(map[string]domain.IndexEntry)
	}
	return nil
}

func (s *MemoryStore) PutEntries(ctx context.Context, version domain.IndexVersion, entries []domain.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	m, ok := s.entries[version]
	if !ok {
		return domain.Errorf(domain.CodeVersionConflict, "version %d does not exist", version)
	}
	for _, e := range entries {
		m[e.RecordID] = e
	}
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, version domain.IndexVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	s.active = version
	return nil
}

func (s *MemoryStore) DropVersion(ctx context.Context, version domain.IndexVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, version)
	delete(s.entries, version)
	return nil
}

func (s *MemoryStore) GetVector(ctx context.Context, key string) (domain.Vector, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vectors[key]
	return v, ok, nil
}

func (s *MemoryStore) PutVectors(ctx context.Context, vectors map[string]domain.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range vectors {
		s.vectors[k] = v
	}
	return nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, run domain.IndexRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (domain.IndexRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.IndexRun{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]domain.IndexRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]domain.IndexRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// EntryCount returns the number of persisted entries of a version.
func (s *MemoryStore) EntryCount(version domain.IndexVersion) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[version])
}
