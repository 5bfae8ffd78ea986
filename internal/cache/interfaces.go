package cache

import (
	"context"
	"time"

	"github.com/yairfalse/geoingest/pkg/layer"
)

// RecordReader queries cached layer records
type RecordReader interface {
	Lookup(ctx context.Context, resID string) ([]layer.LayerRecord, error)
	All(ctx context.Context) ([]layer.LayerRecord, error)
}

// RecordWriter stores layer records
type RecordWriter interface {
	Write(ctx context.Context, rec layer.LayerRecord) error
}

// Invalidator drops records and the stores published for them
type Invalidator interface {
	Invalidate(ctx context.Context, resID, reason string) (int, error)
	Check(ctx context.Context, resID, upstreamModTime string) (Verdict, []layer.LayerRecord, error)
}

// InvalidationLog queries and prunes the invalidation history
type InvalidationLog interface {
	Invalidations(ctx context.Context, since time.Time) ([]InvalidationEvent, error)
	PruneInvalidations(ctx context.Context, before time.Time) (int, error)
}

// StoreDeleter removes the external store behind a record
type StoreDeleter interface {
	DeleteStore(ctx context.Context, rec layer.LayerRecord) error
}

// CacheStats provides operational metrics
type CacheStats interface {
	Stats() (records int, currentRev int64, dbSizeBytes int64)
}

// Lifecycle manages cache lifecycle
type Lifecycle interface {
	Close() error
}

// Cache is the complete layer cache
type Cache interface {
	RecordReader
	RecordWriter
	Invalidator
	InvalidationLog
	CacheStats
	Lifecycle
}
