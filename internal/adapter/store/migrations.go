package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"

	"catrec/internal/domain"
)

// CurrentSchemaVersion is the current schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 1

var (
	keySchemaVersion = []byte("schema_version")
	keyFingerprint   = []byte("embedding_fingerprint")
)

// SchemaInfo stores schema version and embedding fingerprint.
type SchemaInfo struct {
	Version     int    `json:"version"`
	Fingerprint string `json:"fingerprint"`
}

// Compatibility reports whether stored vectors can be served under the
// current configuration.
type Compatibility struct {
	NeedsReindex bool
	Reason       string
}

// Fingerprint hashes the embedding settings that change vector geometry.
// Vectors from different fingerprints are not comparable.
func Fingerprint(provider, model string, dimension int) string {
	relevant := struct {
		Provider  string `json:"provider"`
		Model     string `json:"model"`
		Dimension int    `json:"dimension"`
	}{provider, model, dimension}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// GetSchemaInfo retrieves the current schema info from the database.
func (s *BoltStore) GetSchemaInfo() (*SchemaInfo, error) {
	var info SchemaInfo
	err := s.view("read schema", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keySchemaVersion); v != nil {
			n, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("bad schema version %q", v)
			}
			info.Version = n
		}
		info.Fingerprint = string(b.Get(keyFingerprint))
		return nil
	})
	return &info, err
}

// Compatibility returns the result of the check made when the store opened.
func (s *BoltStore) Compatibility() Compatibility {
	return s.compat
}

// checkSchema initializes a fresh database and compares a populated one
// against the current schema version and fingerprint.
func (s *BoltStore) checkSchema() (Compatibility, error) {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return Compatibility{}, err
	}

	if info.Version > CurrentSchemaVersion {
		return Compatibility{}, domain.Errorf(domain.CodeStorageUnavailable,
			"database created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
	}

	if info.Version == 0 {
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketMeta)
			if err := b.Put(keySchemaVersion, []byte(strconv.Itoa(CurrentSchemaVersion))); err != nil {
				return err
			}
			if s.opts.Fingerprint != "" && info.Fingerprint == "" {
				return b.Put(keyFingerprint, []byte(s.opts.Fingerprint))
			}
			return nil
		})
		if err != nil {
			return Compatibility{}, storageErr("init schema", err)
		}
		s.log.Info("initialized index schema", "version", CurrentSchemaVersion)
		return Compatibility{}, nil
	}

	if s.opts.Fingerprint != "" && info.Fingerprint != "" && info.Fingerprint != s.opts.Fingerprint {
		return Compatibility{
			NeedsReindex: true,
			Reason:       "embedding configuration changed",
		}, nil
	}
	return Compatibility{}, nil
}
