package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the poetry home directory.
	DefaultDirName = ".poetry"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// PromptFileName is where `poetry config init` writes the editable system instruction.
	PromptFileName = "prompt.md"

	// AuditDirName holds the audit index database.
	AuditDirName = "audit"
)

// Dir represents the poetry home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.poetry).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// PromptPath returns the path to the default prompt file.
func (d *Dir) PromptPath() string {
	return filepath.Join(d.path, PromptFileName)
}

// AuditPath returns the audit database directory.
func (d *Dir) AuditPath() string {
	return filepath.Join(d.path, AuditDirName)
}

// EnsureExists creates the home directory if it doesn't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
