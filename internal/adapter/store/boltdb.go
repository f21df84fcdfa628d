package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/retry"
)

var (
	bucketMeta       = []byte("meta")
	bucketVersions   = []byte("versions")
	bucketEntries    = []byte("entries")
	bucketEmbeddings = []byte("embeddings")
	bucketRuns       = []byte("runs")
	keyActive        = []byte("active_version")
)

// BoltOptions configures a BoltStore.
type BoltOptions struct {
	// Fingerprint identifies the embedding configuration vectors were
	// produced with. Versions written under another fingerprint are not
	// served.
	Fingerprint string
	Retry       retry.Policy
	Logger      *slog.Logger
}

// BoltStore persists index versions, the embedding cache and the run
// ledger in a single bbolt file.
type BoltStore struct {
	db     *bbolt.DB
	opts   BoltOptions
	log    *slog.Logger
	compat Compatibility
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string, opts BoltOptions) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, domain.NewError(domain.CodeStorageUnavailable, "open bolt db", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{bucketMeta, bucketVersions, bucketEntries, bucketEmbeddings, bucketRuns}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, domain.NewError(domain.CodeStorageUnavailable, "init buckets", err)
	}

	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	s := &BoltStore{db: db, opts: opts, log: logging.Or(opts.Logger)}

	if s.compat, err = s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if s.compat.NeedsReindex {
		s.log.Warn("stored index incompatible with current configuration", "reason", s.compat.Reason)
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

func versionKey(v domain.IndexVersion) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.NewError(domain.CodeStorageUnavailable, op, err)
}

func transientWrite(err error) retry.Decision {
	var de *domain.Error
	switch {
	case errors.As(err, &de), errors.Is(err, domain.ErrNotFound),
		errors.Is(err, bbolt.ErrDatabaseNotOpen), errors.Is(err, bbolt.ErrDatabaseReadOnly):
		return retry.Decision{}
	}
	return retry.Decision{Retry: true}
}

// update runs fn in a write transaction, retrying transient failures.
func (s *BoltStore) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	err := retry.Do(ctx, s.opts.Retry, transientWrite, func(context.Context) error {
		return s.db.Update(fn)
	})
	return storageErr(op, err)
}

func (s *BoltStore) view(op string, fn func(tx *bbolt.Tx) error) error {
	return storageErr(op, s.db.View(fn))
}

// storedEntry is the on-disk form of an index entry.
type storedEntry struct {
	Vector        []float32       `json:"v"`
	CatalogItemID string          `json:"c"`
	Metadata      domain.Metadata `json:"m,omitempty"`
	Timestamp     time.Time       `json:"t"`
}

func (s *BoltStore) LoadVersions(ctx context.Context) ([]domain.VersionInfo, domain.IndexVersion, error) {
	var (
		infos  []domain.VersionInfo
		active domain.IndexVersion
	)
	err := s.view("load versions", func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyActive); len(v) == 8 {
			active = domain.IndexVersion(binary.BigEndian.Uint64(v))
		}
		return tx.Bucket(bucketVersions).ForEach(func(k, v []byte) error {
			var info domain.VersionInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("decode version %x: %w", k, err)
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return infos, active, nil
}

func (s *BoltStore) LoadEntries(ctx context.Context, version domain.IndexVersion, fn func(domain.IndexEntry) error) error {
	return s.view("load entries", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries).Bucket(versionKey(version))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				s.log.Warn("skipping corrupted entry", "version", version, "record_id", string(k), "error", err)
				continue
			}
			err := fn(domain.IndexEntry{
				RecordID:      string(k),
				Vector:        se.Vector,
				CatalogItemID: se.CatalogItemID,
				Metadata:      se.Metadata,
				Timestamp:     se.Timestamp,
				Version:       version,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) NextVersion(ctx context.Context) (domain.IndexVersion, error) {
	var next uint64
	err := s.update(ctx, "allocate version", func(tx *bbolt.Tx) error {
		var err error
		next, err = tx.Bucket(bucketVersions).NextSequence()
		return err
	})
	return domain.IndexVersion(next), err
}

func (s *BoltStore) SaveVersion(ctx context.Context, info domain.VersionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.update(ctx, "save version", func(tx *bbolt.Tx) error {
		if _, err := tx.Bucket(bucketEntries).CreateBucketIfNotExists(versionKey(info.Version)); err != nil {
			return err
		}
		return tx.Bucket(bucketVersions).Put(versionKey(info.Version), data)
	})
}

func (s *BoltStore) PutEntries(ctx context.Context, version domain.IndexVersion, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.update(ctx, "put entries", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries).Bucket(versionKey(version))
		if b == nil {
			return domain.Errorf(domain.CodeVersionConflict, "version %d does not exist", version)
		}
		for _, e := range entries {
			data, err := json.Marshal(storedEntry{
				Vector:        e.Vector,
				CatalogItemID: e.CatalogItemID,
				Metadata:      e.Metadata,
				Timestamp:     e.Timestamp,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.RecordID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetActive records the active version together with the store's
// embedding fingerprint, which makes the stored index compatible again.
func (s *BoltStore) SetActive(ctx context.Context, version domain.IndexVersion) error {
	err := s.update(ctx, "set active", func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyActive, versionKey(version)); err != nil {
			return err
		}
		if s.opts.Fingerprint != "" {
			return meta.Put(keyFingerprint, []byte(s.opts.Fingerprint))
		}
		return nil
	})
	if err == nil {
		s.compat = Compatibility{}
	}
	return err
}

func (s *BoltStore) DropVersion(ctx context.Context, version domain.IndexVersion) error {
	return s.update(ctx, "drop version", func(tx *bbolt.Tx) error {
		key := versionKey(version)
		if tx.Bucket(bucketEntries).Bucket(key) != nil {
			if err := tx.Bucket(bucketEntries).DeleteBucket(key); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketVersions).Delete(key)
	})
}

// GetVector reads a cached embedding.
func (s *BoltStore) GetVector(ctx context.Context, key string) (domain.Vector, bool, error) {
	var vec domain.Vector
	err := s.view("get vector", func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get([]byte(key))
		if data == nil {
			return nil
		}
		vec = decodeVector(data)
		return nil
	})
	return vec, vec != nil, err
}

// PutVectors writes cached embeddings in one transaction.
func (s *BoltStore) PutVectors(ctx context.Context, vectors map[string]domain.Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	return s.update(ctx, "put vectors", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		for k, v := range vectors {
			if err := b.Put([]byte(k), encodeVector(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeVector(v domain.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) domain.Vector {
	v := make(domain.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func (s *BoltStore) SaveRun(ctx context.Context, run domain.IndexRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.update(ctx, "save run", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(ctx context.Context, id string) (domain.IndexRun, error) {
	var run domain.IndexRun
	err := s.view("get run", func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	return run, err
}

// ListRuns returns the most recent runs first.
func (s *BoltStore) ListRuns(ctx context.Context, limit int) ([]domain.IndexRun, error) {
	var runs []domain.IndexRun
	err := s.view("list runs", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run domain.IndexRun
			if err := json.Unmarshal(v, &run); err != nil {
				return nil // Skip corrupted entries
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
