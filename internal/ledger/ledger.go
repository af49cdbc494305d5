// Package ledger persists per-file progress in a single JSON document.
//
// Every mutation reloads the document, applies the change and atomically
// replaces the file while holding one process-wide lock, so concurrent
// workers updating different files never lose each other's writes.
package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/acldm/chinese-poetry/internal/jsonfile"
)

// FileName is the ledger's name inside the output directory.
const FileName = "progress.json"

// Status is the lifecycle state of one source file.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

var (
	// ErrRegression is returned when an update would lower processed_count.
	ErrRegression = errors.New("processed count cannot decrease")
	// ErrInvalidProgress is returned for negative counts or processed > total.
	ErrInvalidProgress = errors.New("invalid progress counts")
)

// Entry is the persisted progress of one source file.
type Entry struct {
	ProcessedCount int                `json:"processed_count" yaml:"processed_count"`
	TotalCount     int                `json:"total_count" yaml:"total_count"`
	Status         Status             `json:"status" yaml:"status"`
	LastUpdate     jsonfile.Timestamp `json:"last_update" yaml:"last_update"`
}

// Ledger owns the progress document of one output directory.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// Open returns a ledger stored in dir. An existing document must parse.
func Open(dir string) (*Ledger, error) {
	l := &Ledger{path: filepath.Join(dir, FileName)}
	if _, err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Get returns the entry for file. ok is false when the file was never touched.
func (l *Ledger) Get(file string) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[file]
	return e, ok, nil
}

// Snapshot returns a copy of every entry.
func (l *Ledger) Snapshot() (map[string]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Update sets the counts and status of file in one load-modify-store cycle.
func (l *Ledger) Update(file string, processed, total int, status Status) error {
	if processed < 0 || total < 0 || processed > total {
		return fmt.Errorf("%s: processed=%d total=%d: %w", file, processed, total, ErrInvalidProgress)
	}
	return l.mutate(func(entries map[string]Entry) error {
		if prev, ok := entries[file]; ok && processed < prev.ProcessedCount {
			return fmt.Errorf("%s: %d -> %d: %w", file, prev.ProcessedCount, processed, ErrRegression)
		}
		entries[file] = Entry{
			ProcessedCount: processed,
			TotalCount:     total,
			Status:         status,
			LastUpdate:     jsonfile.Now(),
		}
		return nil
	})
}

// SetStatus changes only the status of file, keeping its counts. An
// untouched file gets a zero-count entry.
func (l *Ledger) SetStatus(file string, status Status) error {
	return l.mutate(func(entries map[string]Entry) error {
		e := entries[file]
		e.Status = status
		e.LastUpdate = jsonfile.Now()
		entries[file] = e
		return nil
	})
}

func (l *Ledger) mutate(fn func(map[string]Entry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return err
	}
	if err := fn(entries); err != nil {
		return err
	}
	if err := jsonfile.Write(l.path, entries, "  "); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// load must be called with mu held.
func (l *Ledger) load() (map[string]Entry, error) {
	entries := make(map[string]Entry)
	if _, err := jsonfile.Read(l.path, &entries); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}
	return entries, nil
}
