package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acldm/chinese-poetry/internal/audit"
	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/output"
	"github.com/acldm/chinese-poetry/internal/shards"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

var auditDB string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify every accounted-for record is in exactly one shard or the waitlist",
	Long: `Audit compares, for every file in progress.json, the identities of its first
processed_count source records against the identities found in its output
shards and its waitlist entries. Missing and duplicated records are reported.

The tally is kept in an embedded database; pass --db to keep it on disk for
very large collections.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := interruptible(cmd.Context())
		defer cancel()

		mgr, err := loadConfig(cmd, map[string]string{
			"input_dir":  "input",
			"output_dir": "out",
			"chunk_size": "chunk-size",
		})
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if cfg.InputDir == "" || cfg.OutputDir == "" {
			return fmt.Errorf("input_dir and output_dir are required")
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}

		led, err := ledger.Open(cfg.OutputDir)
		if err != nil {
			return err
		}
		wl, err := waitlist.Open(cfg.OutputDir)
		if err != nil {
			return err
		}
		store, err := shards.New(cfg.OutputDir, cfg.ChunkSize)
		if err != nil {
			return err
		}

		a, err := audit.New(audit.Config{
			InputDir: cfg.InputDir,
			Ledger:   led,
			Waitlist: wl,
			Shards:   store,
			DBPath:   auditDB,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		rep, err := a.Run(ctx)
		if err != nil {
			return err
		}
		if err := output.Print(rep); err != nil {
			return err
		}
		if !rep.OK {
			return errors.New("audit found accounting mismatches")
		}
		return nil
	},
}

func init() {
	f := auditCmd.Flags()
	f.StringP("input", "i", "", "input directory of source files")
	f.String("out", "", "output directory to audit")
	f.Int("chunk-size", 200, "records per output shard used by the run")
	f.StringVar(&auditDB, "db", "", "directory for the audit index (default: in memory)")
	rootCmd.AddCommand(auditCmd)
}
