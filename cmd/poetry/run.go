package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/acldm/chinese-poetry/internal/completion"
	"github.com/acldm/chinese-poetry/internal/config"
	"github.com/acldm/chinese-poetry/internal/enrich"
	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/metrics"
	"github.com/acldm/chinese-poetry/internal/output"
	"github.com/acldm/chinese-poetry/internal/pipeline"
	"github.com/acldm/chinese-poetry/internal/processor"
	"github.com/acldm/chinese-poetry/internal/prompt"
	"github.com/acldm/chinese-poetry/internal/providers"
	"github.com/acldm/chinese-poetry/internal/shards"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

var runFlagKeys = map[string]string{
	"input_dir":      "input",
	"output_dir":     "out",
	"pattern":        "pattern",
	"workers":        "workers",
	"batch_size":     "batch-size",
	"chunk_size":     "chunk-size",
	"batch_interval": "batch-interval",
	"provider.type":  "provider",
	"provider.model": "model",
	"prompt_file":    "prompt",
	"metrics_addr":   "metrics-addr",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enrich every source file in the input directory",
	Long: `Run processes every source file matching --pattern in the input directory.

Files that were interrupted earlier resume at their recorded position and are
scheduled before files that were never started; completed files are skipped.
The first Ctrl+C lets in-flight batches finish and pauses every file; a second
Ctrl+C exits immediately.

Examples:
  poetry run -i ./全唐诗 --out ./enriched
  poetry run -i ./input --out ./out -w 8 --batch-size 10 --chunk-size 500
  poetry run -i ./input --out ./out --provider mock     # dry run, no API calls`,
	RunE: runPipeline,
}

func init() {
	f := runCmd.Flags()
	f.StringP("input", "i", "", "input directory of source files")
	f.String("out", "", "output directory for shards, progress.json and waitlist.json")
	f.StringP("pattern", "p", "*.json", "glob for source file names")
	f.IntP("workers", "w", 40, "files processed concurrently")
	f.Int("batch-size", 5, "records per enrichment request")
	f.Int("chunk-size", 200, "records per output shard")
	f.Duration("batch-interval", 0, "pause between batches of one file (default from config, 1s)")
	f.String("provider", "", "provider type: openai, anthropic or mock")
	f.String("model", "", "model name")
	f.String("prompt", "", "system instruction file, reloaded when it changes")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, err := loadConfig(cmd, runFlagKeys)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	base, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	logger := base.With("run_id", runID)
	if mgr.ConfigFile() != "" {
		mgr.OnChange(func(c *config.Config) {
			if err := setLevel(c.LogLevel); err != nil {
				logger.Warn("ignoring config change", "error", err)
				return
			}
			logger.Info("config reloaded", "log_level", c.LogLevel)
		})
		mgr.WatchConfig()
	}

	// Background helpers stop when the run returns.
	bg, stop := context.WithCancel(ctx)
	defer stop()

	metrics.Init()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(bg, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	coord, limiter, err := buildPipeline(bg, cfg, logger)
	if err != nil {
		return err
	}

	summary, err := coord.Run(ctx)
	if err != nil {
		return err
	}
	if limiter != nil {
		st := limiter.Status()
		logger.Info("rate limiter",
			"requests", st.TotalConsumed,
			"waited", st.TotalWaited,
			"limit_rpm", st.TokensLimit,
		)
	}
	if err := output.Print(summary); err != nil {
		return err
	}

	switch {
	case summary.Failed > 0:
		return fmt.Errorf("%d of %d files failed", summary.Failed, summary.Found)
	case token.IsCancelled():
		return errors.New("interrupted: rerun the same command to resume")
	}
	return nil
}

// buildPipeline wires stores, provider, completion engine, file processor
// and coordinator for one run.
func buildPipeline(bg context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline.Coordinator, *providers.RateLimiter, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create output dir: %w", err)
	}
	led, err := ledger.Open(cfg.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	wl, err := waitlist.Open(cfg.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	store, err := shards.New(cfg.OutputDir, cfg.ChunkSize)
	if err != nil {
		return nil, nil, err
	}

	llm, limiter, err := providers.New(cfg.ToProviderConfig())
	if err != nil {
		return nil, nil, err
	}

	instruction, err := prompt.Load(cfg.PromptFile, logger)
	if err != nil {
		return nil, nil, err
	}
	if instruction.Path() != "" {
		go func() {
			if err := instruction.Watch(bg); err != nil {
				logger.Warn("prompt watcher stopped", "error", err)
			}
		}()
	}

	client, err := enrich.NewLLM(enrich.LLMConfig{
		LLM:    llm,
		Prompt: instruction,
		Model:  cfg.Provider.Model,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := completion.New(completion.Config{
		Client: client,
		Batch:  cfg.Retry.Batch.Policy(),
		Single: cfg.Retry.Single.Policy(),
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}

	proc, err := processor.New(processor.Config{
		Ledger:        led,
		Waitlist:      wl,
		Shards:        store,
		Engine:        engine,
		Token:         token,
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}

	coord, err := pipeline.New(pipeline.Config{
		InputDir:  cfg.InputDir,
		Pattern:   cfg.Pattern,
		Workers:   cfg.Workers,
		Ledger:    led,
		Processor: proc,
		Token:     token,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("pipeline ready",
		"input", cfg.InputDir,
		"output", cfg.OutputDir,
		"provider", llm.Name(),
		"model", cfg.Provider.Model,
		"batch_size", cfg.BatchSize,
		"chunk_size", cfg.ChunkSize,
	)
	return coord, limiter, nil
}
