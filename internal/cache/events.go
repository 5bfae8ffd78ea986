package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// InvalidationEvent records one dropped resource.
type InvalidationEvent struct {
	ResID    string    `json:"res_id"`
	Reason   string    `json:"reason"`
	Records  int       `json:"records"`
	Stores   []string  `json:"stores,omitempty"`
	Failed   []string  `json:"failed,omitempty"` // Stores that could not be deleted
	Time     time.Time `json:"time"`
	Revision int64     `json:"revision"`
}

// Invalidate deletes every record of resID and the external stores behind
// them, then logs the event. A store that cannot be deleted is logged and
// left for the next publication to overwrite. Returns the number of records
// removed.
//
// The store lock is not held while the map service is called; only the
// records seen when the call started are removed.
func (s *Store) Invalidate(ctx context.Context, resID, reason string) (int, error) {
	records, err := s.Lookup(ctx, resID)
	if err != nil {
		return 0, err
	}

	event := InvalidationEvent{ResID: resID, Reason: reason, Records: len(records)}
	for _, rec := range records {
		if rec.StoreID == "" || !rec.Kind.Publishable() {
			continue
		}
		if s.deleter == nil {
			event.Failed = append(event.Failed, rec.StoreID)
			continue
		}
		if err := s.deleter.DeleteStore(ctx, rec); err != nil {
			s.logger.WithContext(ctx).Warn().Err(err).Str("store_id", rec.StoreID).Msg("could not delete store")
			event.Failed = append(event.Failed, rec.StoreID)
			continue
		}
		event.Stores = append(event.Stores, rec.StoreID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key())
	}
	rev := s.currentRev + 1
	event.Revision = rev
	event.Time = s.now().UTC()
	value, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal invalidation: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLayers)
		for _, k := range keys {
			if err := bucket.Delete([]byte(k)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketInvalidations).Put(makeEventKey(event.Time.UnixNano(), rev), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
	})
	if err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", resID, err)
	}

	s.currentRev = rev
	for _, k := range keys {
		s.index.Delete(k)
	}
	s.logger.LogInvalidation(ctx, resID, reason, len(event.Stores))
	s.metrics.RecordCacheSize(ctx, int64(s.index.Len()))
	return len(keys), nil
}

// Invalidations returns events logged at or after since, oldest first.
func (s *Store) Invalidations(ctx context.Context, since time.Time) ([]InvalidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []InvalidationEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketInvalidations).Cursor()
		for k, v := c.Seek(makeEventKey(since.UnixNano(), 0)); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e InvalidationEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode invalidation: %w", err)
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

// PruneInvalidations deletes events logged before the cutoff.
func (s *Store) PruneInvalidations(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := makeEventKey(before.UnixNano(), 0)
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketInvalidations)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil && string(k) < string(cutoff); k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(toDelete)
		return nil
	})
	return deleted, err
}

// makeEventKey creates a timestamp-ordered key: nanoseconds then revision.
func makeEventKey(timestamp, revision int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(timestamp)) //nolint:gosec // timestamp is always positive
	binary.BigEndian.PutUint64(key[8:16], uint64(revision)) //nolint:gosec // revision is always positive
	return key
}
