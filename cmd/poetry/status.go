package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/acldm/chinese-poetry/internal/ledger"
	"github.com/acldm/chinese-poetry/internal/output"
	"github.com/acldm/chinese-poetry/internal/waitlist"
)

// FileStatus is one row of `poetry status`.
type FileStatus struct {
	File       string        `json:"file" yaml:"file"`
	Status     ledger.Status `json:"status" yaml:"status"`
	Processed  int           `json:"processed" yaml:"processed"`
	Total      int           `json:"total" yaml:"total"`
	Waitlisted int           `json:"waitlisted" yaml:"waitlisted"`
	LastUpdate string        `json:"last_update" yaml:"last_update"`
}

// StatusReport is the output of `poetry status`.
type StatusReport struct {
	OutputDir  string                `json:"output_dir" yaml:"output_dir"`
	Processed  int                   `json:"processed" yaml:"processed"`
	Total      int                   `json:"total" yaml:"total"`
	Waitlisted int                   `json:"waitlisted" yaml:"waitlisted"`
	ByStatus   map[ledger.Status]int `json:"by_status" yaml:"by_status"`
	Files      []FileStatus          `json:"files" yaml:"files"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-file progress and waitlist counts of an output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig(cmd, map[string]string{"output_dir": "out"})
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if cfg.OutputDir == "" {
			return fmt.Errorf("output_dir is required")
		}

		rep, err := buildStatus(cfg.OutputDir)
		if err != nil {
			return err
		}
		return output.Print(rep)
	},
}

func buildStatus(dir string) (StatusReport, error) {
	led, err := ledger.Open(dir)
	if err != nil {
		return StatusReport{}, err
	}
	wl, err := waitlist.Open(dir)
	if err != nil {
		return StatusReport{}, err
	}
	entries, err := led.Snapshot()
	if err != nil {
		return StatusReport{}, err
	}
	bySource, err := wl.BySource()
	if err != nil {
		return StatusReport{}, err
	}

	rep := StatusReport{OutputDir: dir, ByStatus: make(map[ledger.Status]int)}
	for name, e := range entries {
		rep.Files = append(rep.Files, FileStatus{
			File:       name,
			Status:     e.Status,
			Processed:  e.ProcessedCount,
			Total:      e.TotalCount,
			Waitlisted: len(bySource[name]),
			LastUpdate: e.LastUpdate.String(),
		})
		rep.Processed += e.ProcessedCount
		rep.Total += e.TotalCount
		rep.ByStatus[e.Status]++
	}
	for _, list := range bySource {
		rep.Waitlisted += len(list)
	}
	sort.Slice(rep.Files, func(i, j int) bool { return rep.Files[i].File < rep.Files[j].File })
	return rep, nil
}

func init() {
	statusCmd.Flags().String("out", "", "output directory to inspect")
	rootCmd.AddCommand(statusCmd)
}
