package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/acldm/chinese-poetry/internal/config"
	"github.com/acldm/chinese-poetry/internal/home"
	"github.com/acldm/chinese-poetry/internal/output"
	"github.com/acldm/chinese-poetry/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string

	level = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "poetry",
	Short: "Resumable LLM enrichment for classical poem collections",
	Long: `Poetry sends poem records to an LLM in small batches and writes the
enriched records next to a progress ledger, so a run can be interrupted and
resumed without losing or duplicating a poem.

Output layout, per source file:
  <name>.json, <name>.1.json, ...   enriched records in fixed-size shards
  progress.json                     processed/total/status per source file
  waitlist.json                     records that could not be enriched`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.poetry/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "poetry home directory (default: ~/.poetry)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn or error",
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		f, err := output.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		output.SetFormat(f)
		return nil
	}

	rootCmd.AddCommand(versionCmd)
}

// loadConfig builds the config manager with the command's flags bound over
// file and environment values. flagKeys maps config keys to flag names.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Manager, error) {
	path := cfgFile
	if path == "" && homeDir != "" {
		h, err := home.New(homeDir)
		if err != nil {
			return nil, err
		}
		if h.ConfigExists() {
			path = h.ConfigPath()
		}
	}

	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, err
	}

	flags := map[string]*pflag.Flag{"log_level": cmd.Flags().Lookup("log-level")}
	for key, name := range flagKeys {
		flags[key] = cmd.Flags().Lookup(name)
	}
	if err := mgr.BindFlags(flags); err != nil {
		return nil, err
	}
	return mgr, nil
}

// newLogger returns the process logger. Its level can change later through
// setLevel, e.g. when the config file is edited during a run.
func newLogger(name string) (*slog.Logger, error) {
	if err := setLevel(name); err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func setLevel(name string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return fmt.Errorf("invalid log level %q", name)
	}
	level.Set(l)
	return nil
}
