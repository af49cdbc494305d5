// Package audit checks exactly-once accounting of an output directory: for
// every file in the ledger, the identities in its shards plus its waitlist
// entries must equal the identities of its accounted-for input prefix.
package audit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/record"
	"github.com/acldm/chinese-poetry/internal/shards"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

// maxSamples bounds the identities listed per problem kind.
const maxSamples = 10

// Config configures an Auditor.
type Config struct {
	InputDir string
	Ledger   *ledger.Ledger
	Waitlist *waitlist.Waitlist
	Shards   *shards.Store
	DBPath   string // empty keeps the index in memory
	Logger   *slog.Logger
}

// Auditor tallies identities in a badger index.
type Auditor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Auditor.
func New(cfg Config) (*Auditor, error) {
	if cfg.InputDir == "" || cfg.Ledger == nil || cfg.Waitlist == nil || cfg.Shards == nil {
		return nil, fmt.Errorf("audit needs input dir, ledger, waitlist and shard store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{cfg: cfg, logger: logger}, nil
}

// FileReport is the audit result of one source file.
type FileReport struct {
	File            string   `json:"file" yaml:"file"`
	Processed       int      `json:"processed" yaml:"processed"`
	Total           int      `json:"total" yaml:"total"`
	Shards          int      `json:"shards" yaml:"shards"`
	Output          int      `json:"output" yaml:"output"`
	Waitlisted      int      `json:"waitlisted" yaml:"waitlisted"`
	MissingCount    int      `json:"missing_count" yaml:"missing_count"`
	DuplicatedCount int      `json:"duplicated_count" yaml:"duplicated_count"`
	Missing         []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	Duplicated      []string `json:"duplicated,omitempty" yaml:"duplicated,omitempty"`
	Error           string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK reports whether the file is accounted for exactly once.
func (r FileReport) OK() bool {
	return r.Error == "" && r.MissingCount == 0 && r.DuplicatedCount == 0
}

// Report is the audit result of an output directory.
type Report struct {
	OK    bool         `json:"ok" yaml:"ok"`
	Files []FileReport `json:"files" yaml:"files"`
}

// Run audits every file recorded in the ledger, in name order.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	entries, err := a.cfg.Ledger.Snapshot()
	if err != nil {
		return Report{}, err
	}
	byFile, err := a.cfg.Waitlist.BySource()
	if err != nil {
		return Report{}, err
	}

	opts := badger.DefaultOptions(a.cfg.DBPath).WithLogger(nil)
	if a.cfg.DBPath == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return Report{}, fmt.Errorf("open audit index: %w", err)
	}
	defer db.Close()
	if err := db.DropAll(); err != nil {
		return Report{}, fmt.Errorf("reset audit index: %w", err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	rep := Report{OK: true}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		fr := a.auditFile(db, name, entries[name], byFile[name])
		if !fr.OK() {
			rep.OK = false
			a.logger.Warn("audit mismatch", "file", name, "missing", fr.MissingCount, "duplicated", fr.DuplicatedCount, "error", fr.Error)
		}
		rep.Files = append(rep.Files, fr)
	}
	return rep, nil
}

func (a *Auditor) auditFile(db *badger.DB, name string, entry ledger.Entry, wl []waitlist.Entry) FileReport {
	fr := FileReport{
		File:       name,
		Processed:  entry.ProcessedCount,
		Total:      entry.TotalCount,
		Waitlisted: len(wl),
	}
	fail := func(err error) FileReport {
		fr.Error = err.Error()
		return fr
	}

	inputs, err := record.ReadFile(filepath.Join(a.cfg.InputDir, name))
	if err != nil {
		return fail(err)
	}
	prefix := min(entry.ProcessedCount, len(inputs))

	keyPrefix := []byte(name + "\x00")
	for _, r := range inputs[:prefix] {
		if err := tally(db, keyPrefix, record.Identity(r), 1); err != nil {
			return fail(err)
		}
	}

	// Scan every shard the source could have, so output written ahead of
	// the ledger shows up as duplication.
	for k := 0; k < a.cfg.Shards.ShardCount(len(inputs)); k++ {
		recs, ok, err := a.cfg.Shards.ReadShard(name, k)
		if err != nil {
			return fail(err)
		}
		if !ok {
			continue
		}
		fr.Shards++
		fr.Output += len(recs)
		for _, r := range recs {
			if err := tally(db, keyPrefix, record.Identity(r), -1); err != nil {
				return fail(err)
			}
		}
	}
	for _, e := range wl {
		if err := tally(db, keyPrefix, record.Identity(e.Record()), -1); err != nil {
			return fail(err)
		}
	}

	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var n int64
			if err := item.Value(func(v []byte) error {
				n = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
			id := string(item.Key()[len(keyPrefix):])
			switch {
			case n > 0:
				fr.MissingCount += int(n)
				if len(fr.Missing) < maxSamples {
					fr.Missing = append(fr.Missing, sample(id))
				}
			case n < 0:
				fr.DuplicatedCount += int(-n)
				if len(fr.Duplicated) < maxSamples {
					fr.Duplicated = append(fr.Duplicated, sample(id))
				}
			}
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return fr
}

// tally adds delta to the counter for id.
func tally(db *badger.DB, prefix []byte, id string, delta int64) error {
	key := append(append([]byte(nil), prefix...), id...)
	return db.Update(func(txn *badger.Txn) error {
		var n int64
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				n = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n+delta))
		return txn.Set(key, buf)
	})
}

func sample(id string) string {
	r := []rune(id)
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return id
}
