// Package wal is the append-only audit journal of ingestion runs. Each line
// is one JSON entry; files rotate by size and expire by age.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryRequested   EntryType = "requested"
	EntryCacheHit    EntryType = "cache_hit"
	EntryInvalidated EntryType = "invalidated"
	EntryPublished   EntryType = "published"
	EntryPassThrough EntryType = "pass_through"
	EntryUnitFailed  EntryType = "unit_failed"
	EntryCompleted   EntryType = "completed"
	EntryFailed      EntryType = "failed"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Type       EntryType       `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention.
type Config struct {
	FilePrefix    string
	MaxFileSize   int64 // Bytes before rotating to a new file
	RetentionDays int
}

// DefaultConfig returns the journal defaults.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "geoingest",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 30,
	}
}

// WAL appends entries to the current journal file.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
	now      func() time.Time
}

// Open creates or opens a journal in dir with the default config.
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates or opens a journal in dir. Sequence numbers
// continue from the highest one already on disk.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &WAL{dir: dir, config: config, now: time.Now}
	w.sequence = maxSequence(w.listWALFiles())
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// openFile starts a new journal file. Names carry nanoseconds so a rotation
// within the same second never reopens the previous file.
func (w *WAL) openFile() error {
	name := fmt.Sprintf("%s-%s.wal", w.config.FilePrefix, w.now().UTC().Format("20060102-150405.000000000"))
	file, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 -- name is generated
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat journal file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry to the journal
func (w *WAL) Append(entryType EntryType, runID, resourceID string, data any) error {
	return w.append(entryType, runID, resourceID, data, nil)
}

// AppendError adds an entry carrying a failure
func (w *WAL) AppendError(entryType EntryType, runID, resourceID string, data any, errToLog error) error {
	return w.append(entryType, runID, resourceID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, runID, resourceID string, data any, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	w.sequence++
	entry := Entry{
		Timestamp:  w.now(),
		Sequence:   w.sequence,
		Type:       entryType,
		RunID:      runID,
		ResourceID: resourceID,
		Data:       jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	return w.writeEntry(entry)
}

// writeEntry writes and syncs a single entry
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	w.size += int64(len(line))
	return w.file.Sync()
}

func (w *WAL) shouldRotate() bool {
	return w.config.MaxFileSize > 0 && w.size >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return w.openFile()
}

// listWALFiles returns the journal files in name (and therefore time) order.
func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Sequence returns the last sequence number handed out.
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Reader provides journal replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304 -- journal files are listed by glob
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// ErrStop ends a replay early without reporting an error.
var ErrStop = errors.New("stop replay")

// Replay calls handler for every entry written after since, oldest first.
// Corrupt lines are skipped.
func Replay(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		err := replayFile(file, since, handler)
		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if reader.scanner.Err() != nil {
				return err
			}
			continue
		}
		if !entry.Timestamp.After(since) {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// findAllWALFiles returns all journal files in dir, sorted by name.
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// maxSequence scans files for the highest sequence number.
func maxSequence(files []string) int64 {
	var maxSeq int64
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
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
			if entry.Sequence > maxSeq {
				maxSeq = entry.Sequence
			}
		}
		_ = reader.Close()
	}
	return maxSeq
}
