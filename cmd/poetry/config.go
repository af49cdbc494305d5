package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acldm/chinese-poetry/internal/config"
	"github.com/acldm/chinese-poetry/internal/home"
	"github.com/acldm/chinese-poetry/internal/output"
	"github.com/acldm/chinese-poetry/internal/prompt"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml and prompt.md to the home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		if h.ConfigExists() && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", h.ConfigPath())
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}

		if _, err := os.Stat(h.PromptPath()); err == nil && !configForce {
			fmt.Fprintf(os.Stderr, "keeping existing %s\n", h.PromptPath())
		} else if err := os.WriteFile(h.PromptPath(), []byte(prompt.Default()), 0o644); err != nil {
			return fmt.Errorf("write prompt: %w", err)
		}

		return output.Print(map[string]string{
			"config": h.ConfigPath(),
			"prompt": h.PromptPath(),
		})
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		cfg := *mgr.Get()
		if cfg.Provider.APIKey != "" && config.ResolveEnvVars(cfg.Provider.APIKey) != "" {
			cfg.Provider.APIKey = "(set)"
		}
		return output.Print(cfg)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing files")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
