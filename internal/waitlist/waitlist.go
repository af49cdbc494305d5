// Package waitlist stores records that could not be enriched, tagged with
// the source file they came from.
package waitlist

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/acldm/chinese-poetry/internal/jsonfile"
	"github.com/acldm/chinese-poetry/internal/record"
)

// FileName is the waitlist's name inside the output directory.
const FileName = "waitlist.json"

// Entry is one dead-lettered record.
type Entry struct {
	SourceFile string             `json:"source_file" yaml:"source_file"`
	Title      string             `json:"title" yaml:"title"`
	Author     string             `json:"author" yaml:"author"`
	Paragraphs []string           `json:"paragraphs" yaml:"paragraphs"`
	AddedTime  jsonfile.Timestamp `json:"added_time" yaml:"added_time"`
}

// Record converts the entry back into a record.
func (e Entry) Record() record.Record {
	return record.Record{Title: e.Title, Author: e.Author, Paragraphs: e.Paragraphs}
}

// Waitlist owns the dead-letter document of one output directory. It has its
// own lock so appends never contend with ledger updates.
type Waitlist struct {
	mu   sync.Mutex
	path string
}

// Open returns the waitlist stored in dir. An existing document must parse.
func Open(dir string) (*Waitlist, error) {
	w := &Waitlist{path: filepath.Join(dir, FileName)}
	if _, err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the waitlist file path.
func (w *Waitlist) Path() string {
	return w.path
}

// Append adds recs tagged with source in one load-modify-store cycle.
func (w *Waitlist) Append(recs []record.Record, source string) error {
	if len(recs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.load()
	if err != nil {
		return err
	}
	return w.store(append(entries, tag(recs, source)...))
}

// AppendAfter adds the records of a batch that follows the decided prefix of
// source. An identity that already has more entries for source than decided
// holds positions with it was written by an earlier attempt at this batch,
// and is not added again. It returns how many entries were added.
func (w *Waitlist) AppendAfter(recs []record.Record, source string, decided []record.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.load()
	if err != nil {
		return 0, err
	}

	surplus := make(map[string]int)
	for _, e := range entries {
		if e.SourceFile == source {
			surplus[record.Identity(e.Record())]++
		}
	}
	for _, r := range decided {
		if id := record.Identity(r); surplus[id] > 0 {
			surplus[id]--
		}
	}

	fresh := make([]record.Record, 0, len(recs))
	for _, r := range recs {
		if id := record.Identity(r); surplus[id] > 0 {
			surplus[id]--
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := w.store(append(entries, tag(fresh, source)...)); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

func tag(recs []record.Record, source string) []Entry {
	now := jsonfile.Now()
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		paragraphs := r.Paragraphs
		if paragraphs == nil {
			paragraphs = []string{}
		}
		out = append(out, Entry{
			SourceFile: source,
			Title:      r.Title,
			Author:     r.Author,
			Paragraphs: paragraphs,
			AddedTime:  now,
		})
	}
	return out
}

func (w *Waitlist) store(entries []Entry) error {
	if err := jsonfile.Write(w.path, entries, "  "); err != nil {
		return fmt.Errorf("write waitlist: %w", err)
	}
	return nil
}

// Entries returns every entry in insertion order.
func (w *Waitlist) Entries() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load()
}

// BySource groups entries by source file.
func (w *Waitlist) BySource() (map[string][]Entry, error) {
	entries, err := w.Entries()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Entry)
	for _, e := range entries {
		out[e.SourceFile] = append(out[e.SourceFile], e)
	}
	return out, nil
}

func (w *Waitlist) load() ([]Entry, error) {
	var entries []Entry
	if _, err := jsonfile.Read(w.path, &entries); err != nil {
		return nil, fmt.Errorf("read waitlist: %w", err)
	}
	return entries, nil
}
