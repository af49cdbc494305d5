package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefault(t *testing.T) {
	f, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Instruction() != Default() {
		t.Error("expected built-in instruction")
	}
	if !strings.Contains(Default(), "JSON array") {
		t.Error("built-in instruction should ask for a JSON array")
	}
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte("  first  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Instruction() != "first" {
		t.Errorf("expected trimmed instruction, got %q", f.Instruction())
	}

	if err := os.WriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if f.Instruction() != "second" {
		t.Errorf("expected second, got %q", f.Instruction())
	}

	if err := os.WriteFile(path, []byte("   "), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Reload(); err == nil {
		t.Error("expected error for empty prompt")
	}
	if f.Instruction() != "second" {
		t.Errorf("empty file must not replace the instruction, got %q", f.Instruction())
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.md"), nil); err == nil {
		t.Error("expected error for missing prompt file")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.Instruction() == "v2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("instruction not reloaded, got %q", f.Instruction())
}
