package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yairfalse/geoingest/pkg/layer"
)

// Verdict is the outcome of a staleness check.
type Verdict string

const (
	VerdictFresh   Verdict = "fresh"
	VerdictStale   Verdict = "stale"
	VerdictMissing Verdict = "missing"
	// VerdictUnparseable means a timestamp could not be read. The records
	// were invalidated as if stale and an operator should be told.
	VerdictUnparseable Verdict = "unparseable"
)

// Reprocess reports whether the resource has to go through the pipeline.
func (v Verdict) Reprocess() bool {
	return v != VerdictFresh
}

// ErrBadTimestamp marks a modification time that matches no known layout.
var ErrBadTimestamp = errors.New("unparseable modification time")

var modTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseModTime reads an upstream modification time. Timestamps without a
// zone are taken as UTC.
func ParseModTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range modTimeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// stale compares a cached modification time against the upstream one.
// A record without a cached time never goes stale by time.
func stale(cached, upstream string) (bool, error) {
	if strings.TrimSpace(cached) == "" {
		return false, nil
	}
	t1, err := ParseModTime(cached)
	if err != nil {
		return true, err
	}
	t2, err := ParseModTime(upstream)
	if err != nil {
		return true, err
	}
	return t1.Before(t2), nil
}

// Check returns the cached records of a resource when they are still
// current. Stale records are invalidated along with their stores and the
// caller gets no records back. A fresh verdict makes no external calls.
func (s *Store) Check(ctx context.Context, resID, upstreamModTime string) (Verdict, []layer.LayerRecord, error) {
	records, err := s.Lookup(ctx, resID)
	if err != nil {
		return "", nil, err
	}
	if len(records) == 0 {
		s.metrics.RecordCacheLookup(ctx, string(VerdictMissing))
		return VerdictMissing, nil, nil
	}

	verdict := VerdictFresh
	var parseErr error
	for _, rec := range records {
		isStale, err := stale(rec.ModificationTime, upstreamModTime)
		if err != nil {
			verdict, parseErr = VerdictUnparseable, err
			break
		}
		if isStale {
			verdict = VerdictStale
		}
	}
	s.metrics.RecordCacheLookup(ctx, string(verdict))

	if verdict == VerdictFresh {
		s.logger.LogCacheHit(ctx, resID, len(records))
		return verdict, records, nil
	}

	reason := "upstream modified"
	if parseErr != nil {
		reason = parseErr.Error()
		s.logger.WithContext(ctx).Warn().Err(parseErr).Str("res_id", resID).Msg("treating unreadable timestamp as stale")
	}
	if _, err := s.Invalidate(ctx, resID, reason); err != nil {
		return verdict, nil, err
	}
	return verdict, nil, nil
}
