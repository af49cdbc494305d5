// Package completion drives a batch of records to full enrichment coverage.
//
// A batch phase resends only the records still missing a result until
// nothing is missing or its attempts run out. A single-record phase then
// retries each straggler on its own. Results are keyed by record identity
// and the first result for an identity wins.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/acldm/chinese-poetry/internal/enrich"
	"github.com/acldm/chinese-poetry/internal/metrics"
	"github.com/acldm/chinese-poetry/internal/record"
)

// ErrIncomplete is returned by an attempt whose reply left records unmatched.
var ErrIncomplete = errors.New("response missing records")

// Policy bounds one phase. Attempts counts calls, not retries. The delay
// before the next attempt depends on why the previous one fell short.
type Policy struct {
	Attempts        uint
	IncompleteDelay time.Duration
	ErrorDelay      time.Duration
}

func (p Policy) delay(_ uint, err error, _ *retry.Config) time.Duration {
	if errors.Is(err, ErrIncomplete) {
		return p.IncompleteDelay
	}
	return p.ErrorDelay
}

// DefaultBatchPolicy allows four calls per batch.
func DefaultBatchPolicy() Policy {
	return Policy{Attempts: 4, IncompleteDelay: 2 * time.Second, ErrorDelay: 5 * time.Second}
}

// DefaultSinglePolicy allows four calls per straggler.
func DefaultSinglePolicy() Policy {
	return Policy{Attempts: 4, IncompleteDelay: time.Second, ErrorDelay: 3 * time.Second}
}

// Config configures an Engine.
type Config struct {
	Client enrich.Client
	Batch  Policy
	Single Policy // Attempts 0 disables the single-record phase
	Logger *slog.Logger
}

// Engine runs the two retry phases against an enrich.Client.
type Engine struct {
	client enrich.Client
	batch  Policy
	single Policy
	logger *slog.Logger
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("enrich client is required")
	}
	if cfg.Batch.Attempts == 0 {
		return nil, fmt.Errorf("batch policy needs at least one attempt")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client: cfg.Client,
		batch:  cfg.Batch,
		single: cfg.Single,
		logger: logger,
	}, nil
}

// Item pairs an input record with its enrichment, if one was obtained.
type Item struct {
	Input    record.Record
	Enriched record.Record
	OK       bool
}

// Result holds one Item per input record, in input order.
type Result struct {
	Items []Item
}

// Enriched returns the enriched records in input order.
func (r Result) Enriched() []record.Record {
	out := make([]record.Record, 0, len(r.Items))
	for _, it := range r.Items {
		if it.OK {
			out = append(out, it.Enriched)
		}
	}
	return out
}

// Failed returns the input records that were never enriched, in input order.
func (r Result) Failed() []record.Record {
	var out []record.Record
	for _, it := range r.Items {
		if !it.OK {
			out = append(out, it.Input)
		}
	}
	return out
}

// Complete enriches batch. Provider failures are absorbed by the retry
// policies; the only error returned is ctx's.
func (e *Engine) Complete(ctx context.Context, batch []record.Record) (Result, error) {
	if len(batch) == 0 {
		return Result{}, ctx.Err()
	}
	found := make(map[string]record.Record, len(batch))

	e.runBatchPhase(ctx, batch, found)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if e.single.Attempts > 0 {
		for _, r := range missing(batch, found) {
			if _, ok := found[record.Identity(r)]; ok {
				continue
			}
			e.runSinglePhase(ctx, r, found)
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
	}

	res := Result{Items: make([]Item, len(batch))}
	for i, r := range batch {
		enriched, ok := found[record.Identity(r)]
		res.Items[i] = Item{Input: r, Enriched: enriched, OK: ok}
	}
	return res, nil
}

func (e *Engine) runBatchPhase(ctx context.Context, batch []record.Record, found map[string]record.Record) {
	attempt := func() error {
		pending := missing(batch, found)
		metrics.Attempts.WithLabelValues("batch").Inc()
		out, err := e.client.Enrich(ctx, pending)
		if err != nil {
			return err
		}
		merge(found, out)
		if left := len(missing(batch, found)); left > 0 {
			return fmt.Errorf("%d of %d records missing: %w", left, len(batch), ErrIncomplete)
		}
		return nil
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(e.batch.Attempts),
		retry.DelayType(e.batch.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logRetry("batch", n, err)
		}),
	)
	if err != nil && ctx.Err() == nil {
		e.logger.Info("batch phase exhausted",
			"attempts", e.batch.Attempts,
			"missing", len(missing(batch, found)),
			"batch", len(batch),
			"error", err,
		)
	}
}

func (e *Engine) runSinglePhase(ctx context.Context, r record.Record, found map[string]record.Record) {
	id := record.Identity(r)
	attempt := func() error {
		metrics.Attempts.WithLabelValues("single").Inc()
		out, err := e.client.Enrich(ctx, []record.Record{r})
		if err != nil {
			return err
		}
		merge(found, out)
		if _, ok := found[id]; !ok {
			return fmt.Errorf("record %q: %w", r.Title, ErrIncomplete)
		}
		return nil
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(e.single.Attempts),
		retry.DelayType(e.single.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logRetry("single", n, err)
		}),
	)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("record not enriched", "title", r.Title, "author", r.Author, "error", err)
	}
}

func (e *Engine) logRetry(phase string, n uint, err error) {
	if errors.Is(err, ErrIncomplete) {
		e.logger.Debug("incomplete response", "phase", phase, "attempt", n+1, "error", err)
		return
	}
	e.logger.Warn("enrichment request failed", "phase", phase, "attempt", n+1, "error", err)
}

// missing returns the records of batch without a result, in batch order.
func missing(batch []record.Record, found map[string]record.Record) []record.Record {
	var out []record.Record
	for _, r := range batch {
		if _, ok := found[record.Identity(r)]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// merge keeps the first result seen for each identity.
func merge(found map[string]record.Record, out []record.Record) {
	for _, r := range out {
		id := record.Identity(r)
		if _, ok := found[id]; !ok {
			found[id] = r
		}
	}
}
