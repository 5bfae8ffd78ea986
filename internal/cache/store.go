// Package cache persists published layer records so unchanged resources
// skip the ingestion pipeline.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/geoingest/internal/metrics"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// DBFile is the cache database file name inside the cache directory.
const DBFile = "layers.db"

// Bucket names in bbolt
var (
	bucketLayers        = []byte("layers")
	bucketMeta          = []byte("meta")
	bucketInvalidations = []byte("invalidations")

	keyRevision = []byte("current_revision")
)

// Store is a bbolt-backed layer cache with an in-memory key index.
type Store struct {
	mu sync.RWMutex

	// Record keys, ordered so a resource's records are contiguous
	index *btree.BTreeG[string]

	db         *bbolt.DB
	currentRev int64

	deleter StoreDeleter
	metrics *metrics.Metrics
	logger  *telemetry.Logger
	now     func() time.Time
}

// Open opens or creates the cache in dir. deleter may be nil for read-only
// tooling; invalidation then leaves external stores in place.
func Open(dir string, deleter StoreDeleter, m *metrics.Metrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, DBFile), 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketLayers, bucketMeta, bucketInvalidations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		index:   btree.NewOrderedG[string](32),
		db:      db,
		deleter: deleter,
		metrics: m,
		logger:  telemetry.NewLogger("cache"),
		now:     time.Now,
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns every record of a resource, ordered by sub-file name.
func (s *Store) Lookup(ctx context.Context, resID string) ([]layer.LayerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(resID)
}

func (s *Store) lookupLocked(resID string) ([]layer.LayerRecord, error) {
	keys := s.keysLocked(resID)
	if len(keys) == 0 {
		return nil, nil
	}

	records := make([]layer.LayerRecord, 0, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLayers)
		for _, k := range keys {
			v := bucket.Get([]byte(k))
			if v == nil {
				continue
			}
			var rec layer.LayerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) keysLocked(resID string) []string {
	prefix := layer.RecordPrefix(resID)
	var keys []string
	s.index.AscendGreaterOrEqual(prefix, func(k string) bool {
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		keys = append(keys, k)
		return true
	})
	return keys
}

// Write stores rec, replacing any record with the same key.
func (s *Store) Write(ctx context.Context, rec layer.LayerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ResID == "" {
		return fmt.Errorf("record has no resource id")
	}
	if rec.CachedAt.IsZero() {
		rec.CachedAt = s.now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	rev := s.currentRev + 1
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketLayers).Put([]byte(key), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
	})
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	s.currentRev = rev
	s.index.ReplaceOrInsert(key)
	s.metrics.RecordCacheSize(ctx, int64(s.index.Len()))
	return nil
}

// All returns every cached record in key order.
func (s *Store) All(ctx context.Context) ([]layer.LayerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]layer.LayerRecord, 0, s.index.Len())
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLayers).ForEach(func(k, v []byte) error {
			var rec layer.LayerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// CurrentRevision returns the current revision number.
func (s *Store) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Stats returns the record count, revision and database size.
func (s *Store) Stats() (records int, currentRev int64, dbSizeBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = s.db.View(func(tx *bbolt.Tx) error {
		dbSizeBytes = tx.Size()
		return nil
	})
	return s.index.Len(), s.currentRev, dbSizeBytes
}

func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			s.currentRev = bytesToInt64(data)
		}
		return tx.Bucket(bucketLayers).ForEach(func(k, _ []byte) error {
			s.index.ReplaceOrInsert(string(k))
			return nil
		})
	})
}

func int64ToBytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n)) //nolint:gosec // revision is always positive
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b)) //nolint:gosec // written by int64ToBytes
}
