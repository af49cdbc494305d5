// Package pipeline discovers source files and runs them through a bounded
// pool of file processors.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/processor"
	"github.com/acldm/chinese-poetry/internal/shutdown"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

// FileProcessor runs one source file to an outcome.
type FileProcessor interface {
	Process(ctx context.Context, path string) processor.Report
}

// Config configures a Coordinator.
type Config struct {
	InputDir  string
	Pattern   string // glob matched against file names, default *.json
	Workers   int
	Ledger    *ledger.Ledger
	Processor FileProcessor
	Token     *shutdown.Token
	Logger    *slog.Logger
}

// Coordinator schedules source files over a fixed number of workers.
// All workers pull from one shared queue.
type Coordinator struct {
	inputDir  string
	pattern   string
	workers   int
	ledger    *ledger.Ledger
	processor FileProcessor
	token     *shutdown.Token
	logger    *slog.Logger

	inFlight atomic.Int32
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.InputDir == "" {
		return nil, fmt.Errorf("input directory is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("file processor is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "*.json"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	token := cfg.Token
	if token == nil {
		token = shutdown.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		inputDir:  cfg.InputDir,
		pattern:   pattern,
		workers:   cfg.Workers,
		ledger:    cfg.Ledger,
		processor: cfg.Processor,
		token:     token,
		logger:    logger.With("workers", cfg.Workers),
	}, nil
}

// InFlight returns the number of files being processed right now.
func (c *Coordinator) InFlight() int {
	return int(c.inFlight.Load())
}

// Discover lists the source files in the input directory, sorted by name.
// The ledger and waitlist documents never count as sources.
func (c *Coordinator) Discover() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.inputDir, c.pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", c.pattern, err)
	}
	files := matches[:0]
	for _, m := range matches {
		switch filepath.Base(m) {
		case ledger.FileName, waitlist.FileName:
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// Plan is the work queue for one run.
type Plan struct {
	Queue     []string // resumable files first, then new ones
	Completed []string // already completed, not queued
}

// Plan orders the discovered files by resumability.
func (c *Coordinator) Plan() (Plan, error) {
	files, err := c.Discover()
	if err != nil {
		return Plan{}, err
	}
	entries, err := c.ledger.Snapshot()
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	var resume, fresh []string
	for _, f := range files {
		entry, ok := entries[filepath.Base(f)]
		switch {
		case !ok || entry.Status == ledger.StatusNotStarted:
			fresh = append(fresh, f)
		case entry.Status == ledger.StatusCompleted:
			plan.Completed = append(plan.Completed, f)
		default:
			resume = append(resume, f)
		}
	}
	plan.Queue = append(resume, fresh...)
	return plan, nil
}

// Summary reports one run.
type Summary struct {
	Found            int                `json:"found" yaml:"found"`
	AlreadyCompleted int                `json:"already_completed" yaml:"already_completed"`
	Completed        int                `json:"completed" yaml:"completed"`
	Paused           int                `json:"paused" yaml:"paused"`
	Failed           int                `json:"failed" yaml:"failed"`
	Skipped          int                `json:"skipped" yaml:"skipped"` // never started due to cancellation
	Enriched         int                `json:"enriched" yaml:"enriched"`
	Waitlisted       int                `json:"waitlisted" yaml:"waitlisted"`
	Files            []processor.Report `json:"files,omitempty" yaml:"files,omitempty"`
}

// Run processes every queued file and returns once all workers are idle.
// Once the token is set no further file is started; files already running
// pause at their next batch boundary.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	plan, err := c.Plan()
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		Found:            len(plan.Queue) + len(plan.Completed),
		AlreadyCompleted: len(plan.Completed),
	}
	c.logger.Info("starting run",
		"found", summary.Found,
		"queued", len(plan.Queue),
		"already_completed", summary.AlreadyCompleted,
	)
	if len(plan.Queue) == 0 {
		return summary, nil
	}

	queue := make(chan string, len(plan.Queue))
	for _, f := range plan.Queue {
		queue <- f
	}
	close(queue)

	var (
		mu      sync.Mutex
		reports = make(map[string]processor.Report, len(plan.Queue))
	)

	var g errgroup.Group
	for i := 0; i < min(c.workers, len(plan.Queue)); i++ {
		id := i
		g.Go(func() error {
			c.worker(ctx, id, queue, func(path string, rep processor.Report) {
				mu.Lock()
				reports[path] = rep
				mu.Unlock()
			})
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range plan.Queue {
		rep, ok := reports[f]
		if !ok {
			summary.Skipped++
			continue
		}
		summary.Files = append(summary.Files, rep)
		summary.Enriched += rep.Enriched
		summary.Waitlisted += rep.Waitlisted
		switch rep.Outcome {
		case processor.OutcomeCompleted:
			summary.Completed++
		case processor.OutcomePaused:
			summary.Paused++
		default:
			summary.Failed++
		}
	}

	c.logger.Info("run finished",
		"completed", summary.Completed,
		"paused", summary.Paused,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

func (c *Coordinator) worker(ctx context.Context, id int, queue <-chan string, done func(string, processor.Report)) {
	for path := range queue {
		if c.token.IsCancelled() || ctx.Err() != nil {
			return
		}
		c.inFlight.Add(1)
		rep := c.processor.Process(ctx, path)
		n := c.inFlight.Add(-1)
		c.logger.Debug("file finished",
			"worker_id", id,
			"file", rep.File,
			"outcome", rep.Outcome,
			"in_flight", n,
			"queue_len", len(queue),
		)
		done(path, rep)
	}
}
