package wal

import (
	"errors"
	"io"
	"path/filepath"
	"time"
)

// Stats represents journal statistics
type Stats struct {
	TotalFiles     int              `json:"total_files"`
	TotalSizeBytes int64            `json:"total_size_bytes"`
	OldestFile     time.Time        `json:"oldest_file,omitempty"`
	NewestFile     time.Time        `json:"newest_file,omitempty"`
	FirstSequence  int64            `json:"first_sequence"`
	LastSequence   int64            `json:"last_sequence"`
	EntryCount     int64            `json:"entry_count"`
	EntriesByType  map[string]int64 `json:"entries_by_type"`
	WritesPerFile  map[string]int   `json:"writes_per_file"`
}

// GetStats returns statistics for the open journal.
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return collectStats(w.listWALFiles())
}

// GetStatsFromDir returns statistics for a journal directory (no open
// journal needed).
func GetStatsFromDir(dir string, config Config) Stats {
	return collectStats(findAllWALFiles(dir, config.FilePrefix))
}

func collectStats(files []string) Stats {
	stats := Stats{
		EntriesByType: map[string]int64{},
		WritesPerFile: map[string]int{},
	}
	stats.TotalFiles = len(files)
	if len(files) == 0 {
		return stats
	}
	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
		count := 0
		for {
			entry, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if reader.scanner.Err() != nil {
					break
				}
				continue
			}
			count++
			stats.EntryCount++
			stats.EntriesByType[string(entry.Type)]++
			if stats.FirstSequence == 0 || entry.Sequence < stats.FirstSequence {
				stats.FirstSequence = entry.Sequence
			}
			if entry.Sequence > stats.LastSequence {
				stats.LastSequence = entry.Sequence
			}
		}
		_ = reader.Close()
		stats.WritesPerFile[filepath.Base(file)] = count
	}
	return stats
}

// HealthStatus represents journal health
type HealthStatus struct {
	Healthy          bool          `json:"healthy"`
	DiskUsagePercent float64       `json:"disk_usage_percent"`
	OldestFileAge    time.Duration `json:"oldest_file_age"`
	NeedsRotation    bool          `json:"needs_rotation"`
	NeedsCleanup     bool          `json:"needs_cleanup"`
	Issues           []string      `json:"issues"`
}

// GetHealth returns journal health status
func (w *WAL) GetHealth() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	health := HealthStatus{Issues: []string{}}

	if w.config.MaxFileSize > 0 {
		health.DiskUsagePercent = float64(w.size) / float64(w.config.MaxFileSize) * 100
		if health.DiskUsagePercent > 90 {
			health.Issues = append(health.Issues, "current file >90% of max size")
		}
	}

	if files := w.listWALFiles(); len(files) > 0 {
		oldest, _ := findTimeRange(files)
		health.OldestFileAge = w.now().Sub(oldest)
		retention := time.Duration(w.config.RetentionDays) * 24 * time.Hour
		if w.config.RetentionDays > 0 && health.OldestFileAge > retention {
			health.NeedsCleanup = true
			health.Issues = append(health.Issues, "old files exceed retention period")
		}
	}

	if w.shouldRotate() {
		health.NeedsRotation = true
		health.Issues = append(health.Issues, "file rotation needed")
	}

	health.Healthy = len(health.Issues) == 0
	return health
}
