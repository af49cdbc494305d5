// Package processor runs the resumable batch loop for one source file.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/acldm/chinese-poetry/internal/completion"
	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/metrics"
	"github.com/acldm/chinese-poetry/internal/record"
	"github.com/acldm/chinese-poetry/internal/shards"
	"github.com/acldm/chinese-poetry/internal/shutdown"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

// Outcome is how one Process call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
	OutcomeFailed    Outcome = "error"
)

// Completer enriches one batch.
type Completer interface {
	Complete(ctx context.Context, batch []record.Record) (completion.Result, error)
}

// Config wires a Processor to its stores.
type Config struct {
	Ledger        *ledger.Ledger
	Waitlist      *waitlist.Waitlist
	Shards        *shards.Store
	Engine        Completer
	Token         *shutdown.Token
	BatchSize     int
	BatchInterval time.Duration // pause between batches of one file
	Logger        *slog.Logger
}

// Processor processes source files one batch at a time. One Processor is
// shared by all workers; per-file state lives in Process.
type Processor struct {
	ledger        *ledger.Ledger
	waitlist      *waitlist.Waitlist
	shards        *shards.Store
	engine        Completer
	token         *shutdown.Token
	batchSize     int
	batchInterval time.Duration
	logger        *slog.Logger
}

// New creates a Processor.
func New(cfg Config) (*Processor, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case cfg.Waitlist == nil:
		return nil, fmt.Errorf("waitlist is required")
	case cfg.Shards == nil:
		return nil, fmt.Errorf("shard store is required")
	case cfg.Engine == nil:
		return nil, fmt.Errorf("completion engine is required")
	case cfg.BatchSize <= 0:
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	token := cfg.Token
	if token == nil {
		token = shutdown.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ledger:        cfg.Ledger,
		waitlist:      cfg.Waitlist,
		shards:        cfg.Shards,
		engine:        cfg.Engine,
		token:         token,
		batchSize:     cfg.BatchSize,
		batchInterval: cfg.BatchInterval,
		logger:        logger,
	}, nil
}

// Report summarizes one Process call.
type Report struct {
	File       string  `json:"file" yaml:"file"`
	Outcome    Outcome `json:"outcome" yaml:"outcome"`
	Processed  int     `json:"processed" yaml:"processed"`
	Total      int     `json:"total" yaml:"total"`
	Enriched   int     `json:"enriched" yaml:"enriched"`
	Waitlisted int     `json:"waitlisted" yaml:"waitlisted"`
	Err        error   `json:"-" yaml:"-"`
}

// Process resumes the source file at path from its last recorded position.
// Only whole batches are ever recorded: shards, waitlist and ledger are
// written for a batch before the next one starts.
func (p *Processor) Process(ctx context.Context, path string) (rep Report) {
	name := filepath.Base(path)
	logger := p.logger.With("file", name)
	rep = Report{File: name}

	metrics.FilesInFlight.Inc()
	defer func() {
		metrics.FilesInFlight.Dec()
		metrics.Files.WithLabelValues(string(rep.Outcome)).Inc()
	}()

	unlock := p.shards.Lock(name)
	defer unlock()

	fail := func(err error) Report {
		rep.Outcome = OutcomeFailed
		rep.Err = err
		if serr := p.ledger.SetStatus(name, ledger.StatusError); serr != nil {
			logger.Error("failed to record error status", "error", serr)
		}
		logger.Error("file failed", "error", err)
		return rep
	}

	entry, started, err := p.ledger.Get(name)
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Err = err
		logger.Error("cannot read progress", "error", err)
		return rep
	}
	processed := entry.ProcessedCount
	rep.Processed = processed

	// A file with recorded progress still opens its shards below so output
	// past the ledger is trimmed before it pauses.
	if !started && p.token.IsCancelled() {
		rep.Outcome = OutcomePaused
		return rep
	}

	recs, err := record.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("read source: %w", err))
	}
	total := len(recs)
	rep.Total = total

	if processed >= total {
		if processed > total {
			logger.Warn("recorded progress exceeds source size", "processed", processed, "total", total)
			err = p.ledger.SetStatus(name, ledger.StatusCompleted)
		} else {
			err = p.ledger.Update(name, processed, total, ledger.StatusCompleted)
		}
		if err != nil {
			return fail(err)
		}
		rep.Outcome = OutcomeCompleted
		return rep
	}

	if err := p.ledger.Update(name, processed, total, ledger.StatusProcessing); err != nil {
		return fail(err)
	}

	writer, err := p.shards.Open(name, recs, processed)
	if err != nil {
		return fail(err)
	}
	logger.Info("processing file", "processed", processed, "total", total, "shard", writer.Index())

	pause := func(cause error) Report {
		if err := writer.Flush(); err != nil {
			return fail(err)
		}
		if err := p.ledger.Update(name, processed, total, ledger.StatusPaused); err != nil {
			return fail(err)
		}
		rep.Outcome = OutcomePaused
		rep.Processed = processed
		rep.Err = cause
		logger.Info("file paused", "processed", processed, "total", total)
		return rep
	}

	for processed < total {
		if p.token.IsCancelled() {
			return pause(nil)
		}

		end := min(processed+p.batchSize, total)
		batch := recs[processed:end]

		res, err := p.engine.Complete(ctx, record.ProjectAll(batch))
		if err != nil {
			return pause(err)
		}

		failed := res.Failed()
		added, err := p.waitlist.AppendAfter(failed, name, recs[:processed])
		if err != nil {
			return fail(err)
		}
		if added < len(failed) {
			logger.Info("waitlist already holds entries from an earlier attempt", "skipped", len(failed)-added)
		}

		placed := make([]shards.Placed, 0, len(res.Items))
		for i, it := range res.Items {
			if it.OK {
				placed = append(placed, shards.Placed{Position: processed + i, Record: it.Enriched})
			}
		}
		if _, err := writer.Append(processed, placed); err != nil {
			return fail(err)
		}

		processed = end
		if err := p.ledger.Update(name, processed, total, ledger.StatusProcessing); err != nil {
			return fail(err)
		}

		rep.Processed = processed
		rep.Enriched += len(placed)
		rep.Waitlisted += len(failed)
		metrics.RecordsEnriched.Add(float64(len(placed)))
		metrics.RecordsWaitlisted.Add(float64(len(failed)))
		logger.Debug("batch done",
			"processed", processed,
			"total", total,
			"enriched", len(placed),
			"waitlisted", len(failed),
		)

		if processed < total && !p.wait(ctx) {
			return pause(ctx.Err())
		}
	}

	if err := writer.Flush(); err != nil {
		return fail(err)
	}
	if err := p.ledger.Update(name, total, total, ledger.StatusCompleted); err != nil {
		return fail(err)
	}
	rep.Outcome = OutcomeCompleted
	logger.Info("file completed", "total", total, "enriched", rep.Enriched, "waitlisted", rep.Waitlisted)
	return rep
}

// wait sleeps for the batch interval. A cancellation request cuts the
// sleep short; it reports false only when ctx is done.
func (p *Processor) wait(ctx context.Context) bool {
	if p.batchInterval <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(p.batchInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.token.Done():
		return true
	case <-timer.C:
		return true
	}
}
