package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acldm/chinese-poetry/internal/audit"
	"github.com/acldm/chinese-poetry/internal/config"
	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/record"
	"github.com/acldm/chinese-poetry/internal/shards"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

func writeSources(t *testing.T, dir string, files map[string]int) {
	t.Helper()
	for name, n := range files {
		recs := make([]record.Record, n)
		for i := range recs {
			recs[i] = record.Record{
				Title:      fmt.Sprintf("%s-%d", name, i),
				Author:     "李白",
				Paragraphs: []string{fmt.Sprintf("%s 第%d首，", name, i), "床前明月光。"},
			}
		}
		data, err := json.Marshal(recs)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// TestRunWithMockProvider drives the whole pipeline against the echoing
// mock provider and audits the result.
func TestRunWithMockProvider(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeSources(t, in, map[string]int{"tang.json": 23, "song.json": 7})

	cfg := config.DefaultConfig()
	cfg.InputDir = in
	cfg.OutputDir = out
	cfg.Workers = 2
	cfg.BatchSize = 4
	cfg.ChunkSize = 10
	cfg.BatchInterval = 0
	cfg.Provider.Type = "mock"
	cfg.Retry.Batch.IncompleteDelay = time.Millisecond
	cfg.Retry.Batch.ErrorDelay = time.Millisecond
	if err := cfg.ValidateRun(); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	coord, _, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("buildPipeline() error = %v", err)
	}

	summary, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Completed != 2 || summary.Enriched != 30 || summary.Waitlisted != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	store, _ := shards.New(out, cfg.ChunkSize)
	for k, want := range []int{10, 10, 3} {
		recs, _, err := store.ReadShard("tang.json", k)
		if err != nil || len(recs) != want {
			t.Errorf("shard %d holds %d records (err %v), want %d", k, len(recs), err, want)
		}
	}

	led, _ := ledger.Open(out)
	wl, _ := waitlist.Open(out)
	a, err := audit.New(audit.Config{InputDir: in, Ledger: led, Waitlist: wl, Shards: store, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := a.Run(ctx)
	if err != nil || !rep.OK {
		t.Errorf("audit = %+v, %v", rep, err)
	}

	// a second run finds nothing to do
	again, err := coord.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.AlreadyCompleted != 2 || again.Completed != 0 {
		t.Errorf("expected both files already completed, got %+v", again)
	}

	status, err := buildStatus(out)
	if err != nil {
		t.Fatal(err)
	}
	if status.Processed != 30 || status.Total != 30 || status.ByStatus[ledger.StatusCompleted] != 2 {
		t.Errorf("unexpected status %+v", status)
	}
}
