package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/record"
	"github.com/acldm/chinese-poetry/internal/shards"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

type env struct {
	in       string
	ledger   *ledger.Ledger
	waitlist *waitlist.Waitlist
	shards   *shards.Store
	inputs   []record.Record
}

// newEnv writes a four record source and records it as fully processed,
// with positions 0, 1 and 3 enriched and position 2 waitlisted.
func newEnv(t *testing.T, enriched ...int) *env {
	t.Helper()
	e := &env{in: t.TempDir()}
	out := t.TempDir()

	e.inputs = make([]record.Record, 4)
	for i := range e.inputs {
		e.inputs[i] = record.Record{Title: fmt.Sprintf("t%d", i), Paragraphs: []string{fmt.Sprintf("句%d", i)}}
	}
	data, _ := json.Marshal(e.inputs)
	if err := os.WriteFile(filepath.Join(e.in, "tang.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	var err error
	if e.ledger, err = ledger.Open(out); err != nil {
		t.Fatal(err)
	}
	if e.waitlist, err = waitlist.Open(out); err != nil {
		t.Fatal(err)
	}
	if e.shards, err = shards.New(out, 2); err != nil {
		t.Fatal(err)
	}

	w, err := e.shards.Open("tang.json", e.inputs, 0)
	if err != nil {
		t.Fatal(err)
	}
	var placed []shards.Placed
	for _, p := range enriched {
		placed = append(placed, shards.Placed{Position: p, Record: e.inputs[p]})
	}
	if _, err := w.Append(0, placed); err != nil {
		t.Fatal(err)
	}
	if err := e.waitlist.Append([]record.Record{e.inputs[2]}, "tang.json"); err != nil {
		t.Fatal(err)
	}
	if err := e.ledger.Update("tang.json", 4, 4, ledger.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *env) run(t *testing.T) Report {
	t.Helper()
	a, err := New(Config{InputDir: e.in, Ledger: e.ledger, Waitlist: e.waitlist, Shards: e.shards})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rep, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rep.Files) != 1 {
		t.Fatalf("expected one file report, got %+v", rep.Files)
	}
	return rep
}

func TestAuditExactlyOnce(t *testing.T) {
	e := newEnv(t, 0, 1, 3)
	rep := e.run(t)
	fr := rep.Files[0]
	if !rep.OK || !fr.OK() {
		t.Fatalf("expected clean audit, got %+v", fr)
	}
	if fr.Output != 3 || fr.Waitlisted != 1 || fr.Shards != 2 {
		t.Errorf("unexpected counts %+v", fr)
	}
}

func TestAuditReportsMissing(t *testing.T) {
	e := newEnv(t, 0, 3)
	fr := e.run(t).Files[0]
	if fr.MissingCount != 1 || len(fr.Missing) != 1 || fr.Missing[0] != "句1" {
		t.Errorf("expected 句1 missing, got %+v", fr)
	}
}

func TestAuditReportsDuplicates(t *testing.T) {
	e := newEnv(t, 0, 1, 3)
	// a batch redone after a crash re-appends its waitlist entries
	if err := e.waitlist.Append([]record.Record{e.inputs[2]}, "tang.json"); err != nil {
		t.Fatal(err)
	}
	rep := e.run(t)
	fr := rep.Files[0]
	if rep.OK || fr.DuplicatedCount != 1 || fr.Duplicated[0] != "句2" {
		t.Errorf("expected 句2 duplicated, got %+v", fr)
	}
}

func TestAuditUnreadableSource(t *testing.T) {
	e := newEnv(t, 0, 1, 3)
	if err := os.Remove(filepath.Join(e.in, "tang.json")); err != nil {
		t.Fatal(err)
	}
	fr := e.run(t).Files[0]
	if fr.Error == "" || fr.OK() {
		t.Errorf("expected error report, got %+v", fr)
	}
}

func TestAuditOnDiskIndex(t *testing.T) {
	e := newEnv(t, 0, 1, 3)
	dbPath := filepath.Join(t.TempDir(), "index")
	for i := 0; i < 2; i++ {
		a, err := New(Config{InputDir: e.in, Ledger: e.ledger, Waitlist: e.waitlist, Shards: e.shards, DBPath: dbPath})
		if err != nil {
			t.Fatal(err)
		}
		rep, err := a.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !rep.OK {
			t.Errorf("run %d: index must be reset between runs, got %+v", i, rep.Files)
		}
	}
}

func TestSample(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "字"
	}
	if got := []rune(sample(long)); len(got) != 41 {
		t.Errorf("expected truncation to 40 runes plus ellipsis, got %d", len(got))
	}
	if sample("短") != "短" {
		t.Error("short identities are kept")
	}
}
