package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-poetry")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-poetry" {
			t.Errorf("expected path /tmp/test-poetry, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-poetry")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-poetry/config.yaml"},
		{"PromptPath", dir.PromptPath(), "/tmp/test-poetry/prompt.md"},
		{"AuditPath", dir.AuditPath(), "/tmp/test-poetry/audit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	dir, err := New(filepath.Join(t.TempDir(), "poetry-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir.Exists() {
		t.Error("directory should not exist yet")
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}
	if !dir.Exists() {
		t.Error("directory should exist after EnsureExists")
	}
	if dir.ConfigExists() {
		t.Error("config should not exist yet")
	}

	if err := os.WriteFile(dir.ConfigPath(), []byte("workers: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !dir.ConfigExists() {
		t.Error("config should exist after writing it")
	}
}
