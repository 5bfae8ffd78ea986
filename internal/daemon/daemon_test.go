package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/geoingest/wal"
)

type mockPruner struct {
	before time.Time
	n      int
	err    error
}

func (m *mockPruner) PruneInvalidations(_ context.Context, before time.Time) (int, error) {
	m.before = before
	return m.n, m.err
}

type mockCleaner struct {
	calls int
	stats wal.CleanupStats
}

func (m *mockCleaner) Cleanup() (wal.CleanupStats, error) {
	m.calls++
	return m.stats, nil
}

func TestNewDaemon_RejectsZeroInterval(t *testing.T) {
	_, err := NewDaemon(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestDaemon_SweepPrunesAndCleans(t *testing.T) {
	pruner := &mockPruner{n: 3}
	cleaner := &mockCleaner{stats: wal.CleanupStats{FilesRemoved: 2}}
	d, err := NewDaemon(Config{Interval: time.Hour, EventRetention: 24 * time.Hour}, pruner, cleaner, nil)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	res := d.Sweep(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.EventsPruned)
	assert.Equal(t, 2, res.JournalRemoved)
	assert.Equal(t, now.Add(-24*time.Hour), pruner.before)
	assert.Equal(t, int64(1), d.SweepCount())
}

func TestDaemon_SweepScratch(t *testing.T) {
	scratch := t.TempDir()
	old := filepath.Join(scratch, "alice", "abc")
	fresh := filepath.Join(scratch, "alice", "def")
	public := filepath.Join(scratch, "public")
	for _, dir := range []string{old, fresh, filepath.Join(public, "alice", "ghi")} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.Chtimes(filepath.Join(public, "alice"), stale, stale))

	d, err := NewDaemon(Config{
		Interval:      time.Hour,
		ScratchDir:    scratch,
		ScratchMaxAge: 24 * time.Hour,
		Keep:          []string{public},
	}, nil, nil, nil)
	require.NoError(t, err)

	res := d.Sweep(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ScratchRemoved)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, filepath.Join(public, "alice", "ghi"))
}

func TestDaemon_SweepMissingScratchDir(t *testing.T) {
	d, err := NewDaemon(Config{
		Interval:      time.Hour,
		ScratchDir:    filepath.Join(t.TempDir(), "missing"),
		ScratchMaxAge: time.Hour,
	}, nil, nil, nil)
	require.NoError(t, err)

	res := d.Sweep(context.Background())
	assert.NoError(t, res.Err)
	assert.Zero(t, res.ScratchRemoved)
}

func TestDaemon_HealthReportsLastError(t *testing.T) {
	pruner := &mockPruner{err: errors.New("bolt: database not open")}
	d, err := NewDaemon(Config{Interval: time.Hour, EventRetention: time.Hour}, pruner, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "healthy", d.Health().Status)

	res := d.Sweep(context.Background())
	require.Error(t, res.Err)

	h := d.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.LastError, "database not open")
	assert.Equal(t, int64(1), h.Sweeps)
	assert.GreaterOrEqual(t, h.Uptime, int64(0))
}

func TestDaemon_StartSweepsUntilCancelled(t *testing.T) {
	cleaner := &mockCleaner{}
	d, err := NewDaemon(Config{Interval: 20 * time.Millisecond}, nil, cleaner, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	require.Eventually(t, func() bool { return d.SweepCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
