// Package prompt supplies the system instruction sent with every
// enrichment request.
package prompt

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

//go:embed default.md
var defaultInstruction string

// Default returns the built-in instruction.
func Default() string {
	return defaultInstruction
}

// Source yields the current system instruction.
type Source interface {
	Instruction() string
}

// Static is a fixed instruction.
type Static string

// Instruction implements Source.
func (s Static) Instruction() string {
	return string(s)
}

// File is an instruction read from disk. Watch keeps it current while the
// pipeline runs, so edits take effect on the next request.
type File struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	text string
}

// Load reads the instruction at path. An empty path selects the built-in
// instruction.
func Load(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{path: path, logger: logger}
	if path == "" {
		f.text = defaultInstruction
		return f, nil
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the backing file, or "" for the built-in instruction.
func (f *File) Path() string {
	return f.path
}

// Instruction implements Source.
func (f *File) Instruction() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.text
}

// Reload re-reads the file. An empty file is rejected and the previous
// instruction stays in effect.
func (f *File) Reload() error {
	if f.path == "" {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("prompt file %s is empty", f.path)
	}

	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
	return nil
}

// Watch reloads the instruction whenever the file changes. It blocks until
// ctx is done. Watching the directory catches editors that replace the file
// by rename.
func (f *File) Watch(ctx context.Context) error {
	if f.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(f.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Warn("prompt reload failed", "path", f.path, "error", err)
				continue
			}
			f.logger.Info("prompt reloaded", "path", f.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("prompt watcher error", "error", err)
		}
	}
}
