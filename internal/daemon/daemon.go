// Package daemon runs the periodic housekeeping of a long-lived geoingest
// server: pruning cache invalidation events, expiring audit journal files
// and sweeping abandoned scratch directories.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/wal"
)

// Config holds daemon configuration
type Config struct {
	Interval       time.Duration
	EventRetention time.Duration // Zero keeps invalidation events forever
	ScratchDir     string
	ScratchMaxAge  time.Duration // Zero disables the scratch sweep
	Keep           []string      // Paths under ScratchDir that are never swept
}

// EventPruner drops cache invalidation events older than a cutoff.
type EventPruner interface {
	PruneInvalidations(ctx context.Context, before time.Time) (int, error)
}

// JournalCleaner expires old audit journal files.
type JournalCleaner interface {
	Cleanup() (wal.CleanupStats, error)
}

// SweepResult summarizes one housekeeping pass.
type SweepResult struct {
	EventsPruned   int
	JournalRemoved int
	ScratchRemoved int
	Err            error
}

// Daemon runs housekeeping on an interval
type Daemon struct {
	interval       time.Duration
	eventRetention time.Duration
	scratchDir     string
	scratchMaxAge  time.Duration
	keep           map[string]bool

	events  EventPruner
	journal JournalCleaner
	metrics *DaemonMetrics
	logger  *telemetry.Logger
	now     func() time.Time

	startTime  time.Time
	sweepCount atomic.Int64
	mu         sync.Mutex
	last       SweepResult
	lastAt     time.Time
}

// NewDaemon creates a new daemon instance. events and journal may be nil.
func NewDaemon(config Config, events EventPruner, journal JournalCleaner, m *DaemonMetrics) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive (got %s)", config.Interval)
	}
	keep := make(map[string]bool, len(config.Keep))
	for _, p := range config.Keep {
		keep[filepath.Clean(p)] = true
	}
	return &Daemon{
		interval:       config.Interval,
		eventRetention: config.EventRetention,
		scratchDir:     config.ScratchDir,
		scratchMaxAge:  config.ScratchMaxAge,
		keep:           keep,
		events:         events,
		journal:        journal,
		metrics:        m,
		logger:         telemetry.NewLogger("daemon"),
		now:            time.Now,
		startTime:      time.Now(),
	}, nil
}

// Start sweeps once, then on every tick until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	d.Sweep(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep runs one housekeeping pass. Failures are logged and reported in
// the result; a failing step does not stop the others.
func (d *Daemon) Sweep(ctx context.Context) SweepResult {
	started := time.Now()
	var res SweepResult
	var errs []error

	if d.events != nil && d.eventRetention > 0 {
		n, err := d.events.PruneInvalidations(ctx, d.now().Add(-d.eventRetention))
		res.EventsPruned = n
		if err != nil {
			errs = append(errs, fmt.Errorf("prune invalidations: %w", err))
		}
		d.metrics.RecordRemoved(ctx, "invalidation_event", n)
	}

	if d.journal != nil {
		stats, err := d.journal.Cleanup()
		res.JournalRemoved = stats.FilesRemoved
		if err != nil {
			errs = append(errs, fmt.Errorf("journal cleanup: %w", err))
		}
		d.metrics.RecordRemoved(ctx, "journal_file", stats.FilesRemoved)
	}

	if d.scratchDir != "" && d.scratchMaxAge > 0 {
		n, err := d.sweepScratch()
		res.ScratchRemoved = n
		if err != nil {
			errs = append(errs, fmt.Errorf("scratch sweep: %w", err))
		}
		d.metrics.RecordRemoved(ctx, "scratch_dir", n)
	}

	res.Err = errors.Join(errs...)
	status := "success"
	if res.Err != nil {
		status = "failure"
		d.logger.WithContext(ctx).Warn().Err(res.Err).Msg("housekeeping incomplete")
	}
	d.metrics.RecordSweep(ctx, status, time.Since(started).Seconds())

	d.logger.WithContext(ctx).Debug().
		Int("events_pruned", res.EventsPruned).
		Int("journal_removed", res.JournalRemoved).
		Int("scratch_removed", res.ScratchRemoved).
		Dur("duration", time.Since(started)).
		Msg("housekeeping pass")

	d.sweepCount.Add(1)
	d.mu.Lock()
	d.last, d.lastAt = res, d.now()
	d.mu.Unlock()
	return res
}

// sweepScratch removes <scratch>/<user>/<resource> directories that have
// not been touched for longer than the max age.
func (d *Daemon) sweepScratch() (int, error) {
	users, err := os.ReadDir(d.scratchDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := d.now().Add(-d.scratchMaxAge)
	removed := 0
	var errs []error
	for _, u := range users {
		userDir := filepath.Join(d.scratchDir, u.Name())
		if !u.IsDir() || d.keep[userDir] {
			continue
		}
		entries, err := os.ReadDir(userDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			p := filepath.Join(userDir, e.Name())
			if !e.IsDir() || d.keep[p] {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(p); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		Sweeps:    d.sweepCount.Load(),
		LastSweep: d.lastAt,
	}
	if d.last.Err != nil {
		h.Status = "degraded"
		h.LastError = d.last.Err.Error()
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string    `json:"status"`
	Uptime    int64     `json:"uptime_seconds"`
	Sweeps    int64     `json:"sweeps"`
	LastSweep time.Time `json:"last_sweep,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// SweepCount returns total housekeeping passes run
func (d *Daemon) SweepCount() int64 {
	return d.sweepCount.Load()
}
