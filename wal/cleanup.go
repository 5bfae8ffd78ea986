package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int       `json:"files_removed"`
	BytesFreed    int64     `json:"bytes_freed"`
	OldestRemoved time.Time `json:"oldest_removed,omitempty"`
	NewestRemoved time.Time `json:"newest_removed,omitempty"`
}

// Cleanup removes journal files older than the retention period and
// reports what it removed. The file being written is never removed.
func Cleanup(dir string, config Config) (CleanupStats, error) {
	return cleanup(dir, config, time.Now(), "")
}

// Cleanup removes expired files of an open journal.
func (w *WAL) Cleanup() (CleanupStats, error) {
	w.mu.Lock()
	current := w.file.Name()
	w.mu.Unlock()
	return cleanup(w.dir, w.config, w.now(), current)
}

func cleanup(dir string, config Config, now time.Time, keep string) (CleanupStats, error) {
	stats := CleanupStats{}
	if config.RetentionDays <= 0 {
		return stats, nil
	}
	cutoff := now.AddDate(0, 0, -config.RetentionDays)

	var old []string
	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		if keep != "" && filepath.Clean(file) == filepath.Clean(keep) {
			continue
		}
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		old = append(old, file)
	}
	if len(old) == 0 {
		return stats, nil
	}

	stats.BytesFreed = calculateTotalSize(old)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(old)
	for _, file := range old {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
	}
	return stats, nil
}

// calculateTotalSize sums file sizes
func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
