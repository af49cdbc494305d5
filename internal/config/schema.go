package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/acldm/chinese-poetry/internal/completion"
	"github.com/acldm/chinese-poetry/internal/providers"
)

// Config holds pipeline configuration.
// Stored at: $HOME/.poetry/config.yaml or the file passed with --config.
type Config struct {
	InputDir      string        `mapstructure:"input_dir" yaml:"input_dir"`
	OutputDir     string        `mapstructure:"output_dir" yaml:"output_dir"`
	Pattern       string        `mapstructure:"pattern" yaml:"pattern"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	ChunkSize     int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	BatchInterval time.Duration `mapstructure:"batch_interval" yaml:"batch_interval"`
	Retry         RetryCfg      `mapstructure:"retry" yaml:"retry"`
	Provider      ProviderCfg   `mapstructure:"provider" yaml:"provider"`
	PromptFile    string        `mapstructure:"prompt_file" yaml:"prompt_file"` // empty uses the built-in instruction
	MetricsAddr   string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	LogLevel      string        `mapstructure:"log_level" yaml:"log_level"`
	Mirror        MirrorCfg     `mapstructure:"mirror" yaml:"mirror"`
}

// RetryCfg holds the completion engine budgets.
type RetryCfg struct {
	Batch  PolicyCfg `mapstructure:"batch" yaml:"batch"`
	Single PolicyCfg `mapstructure:"single" yaml:"single"` // attempts 0 disables the per-record phase
}

// PolicyCfg configures one retry phase.
type PolicyCfg struct {
	Attempts        uint          `mapstructure:"attempts" yaml:"attempts"`
	IncompleteDelay time.Duration `mapstructure:"incomplete_delay" yaml:"incomplete_delay"`
	ErrorDelay      time.Duration `mapstructure:"error_delay" yaml:"error_delay"`
}

// ProviderCfg configures the enrichment endpoint.
type ProviderCfg struct {
	Type        string        `mapstructure:"type" yaml:"type"` // "openai", "anthropic", "mock"
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"` // Sent as configured, 0 included
	TopP        float64       `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit   int           `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
}

// MirrorCfg configures `poetry publish`.
type MirrorCfg struct {
	Destination string `mapstructure:"destination" yaml:"destination"` // s3://bucket/prefix or file:///dir
	Region      string `mapstructure:"region" yaml:"region"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	batch := completion.DefaultBatchPolicy()
	single := completion.DefaultSinglePolicy()
	return &Config{
		InputDir:      "",
		OutputDir:     "",
		Pattern:       "*.json",
		Workers:       40,
		BatchSize:     5,
		ChunkSize:     200,
		BatchInterval: time.Second,
		Retry: RetryCfg{
			Batch:  PolicyCfg{Attempts: batch.Attempts, IncompleteDelay: batch.IncompleteDelay, ErrorDelay: batch.ErrorDelay},
			Single: PolicyCfg{Attempts: single.Attempts, IncompleteDelay: single.IncompleteDelay, ErrorDelay: single.ErrorDelay},
		},
		Provider: ProviderCfg{
			Type:        providers.OpenAIName,
			BaseURL:     "https://api.xiaomimimo.com/v1",
			Model:       "mimo-v2-flash",
			APIKey:      "${MIMO_API_KEY}",
			Temperature: 0.3,
			TopP:        0.95,
			Timeout:     300 * time.Second,
		},
		LogLevel: "info",
	}
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	case c.Retry.Batch.Attempts == 0:
		return fmt.Errorf("retry.batch.attempts must be at least 1")
	case c.BatchInterval < 0:
		return fmt.Errorf("batch_interval cannot be negative")
	}
	return nil
}

// ValidateRun additionally requires distinct input and output directories,
// since shard 0 reuses the source file name.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.InputDir == "" {
		return fmt.Errorf("input_dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	in, err := filepath.Abs(c.InputDir)
	if err != nil {
		return err
	}
	out, err := filepath.Abs(c.OutputDir)
	if err != nil {
		return err
	}
	if in == out {
		return fmt.Errorf("output_dir must differ from input_dir (%s)", in)
	}
	return nil
}

// ToProviderConfig converts the provider section for providers.New.
// It resolves ${ENV_VAR} references in the API key and base URL.
func (c *Config) ToProviderConfig() providers.LLMProviderConfig {
	p := c.Provider
	temperature := p.Temperature
	return providers.LLMProviderConfig{
		Type:        p.Type,
		BaseURL:     ResolveEnvVars(p.BaseURL),
		Model:       p.Model,
		APIKey:      ResolveEnvVars(p.APIKey),
		Temperature: &temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
		Timeout:     p.Timeout,
		RateLimit:   p.RateLimit,
	}
}

// Policy converts a retry section for the completion engine.
func (p PolicyCfg) Policy() completion.Policy {
	return completion.Policy{
		Attempts:        p.Attempts,
		IncompleteDelay: p.IncompleteDelay,
		ErrorDelay:      p.ErrorDelay,
	}
}

// document renders c as an ordered YAML document with readable durations.
func (c *Config) document() yaml.MapSlice {
	policy := func(p PolicyCfg) yaml.MapSlice {
		return yaml.MapSlice{
			{Key: "attempts", Value: p.Attempts},
			{Key: "incomplete_delay", Value: p.IncompleteDelay.String()},
			{Key: "error_delay", Value: p.ErrorDelay.String()},
		}
	}
	return yaml.MapSlice{
		{Key: "input_dir", Value: c.InputDir},
		{Key: "output_dir", Value: c.OutputDir},
		{Key: "pattern", Value: c.Pattern},
		{Key: "workers", Value: c.Workers},
		{Key: "batch_size", Value: c.BatchSize},
		{Key: "chunk_size", Value: c.ChunkSize},
		{Key: "batch_interval", Value: c.BatchInterval.String()},
		{Key: "retry", Value: yaml.MapSlice{
			{Key: "batch", Value: policy(c.Retry.Batch)},
			{Key: "single", Value: policy(c.Retry.Single)},
		}},
		{Key: "provider", Value: yaml.MapSlice{
			{Key: "type", Value: c.Provider.Type},
			{Key: "base_url", Value: c.Provider.BaseURL},
			{Key: "model", Value: c.Provider.Model},
			{Key: "api_key", Value: c.Provider.APIKey},
			{Key: "temperature", Value: c.Provider.Temperature},
			{Key: "top_p", Value: c.Provider.TopP},
			{Key: "max_tokens", Value: c.Provider.MaxTokens},
			{Key: "timeout", Value: c.Provider.Timeout.String()},
			{Key: "rate_limit", Value: c.Provider.RateLimit},
		}},
		{Key: "prompt_file", Value: c.PromptFile},
		{Key: "metrics_addr", Value: c.MetricsAddr},
		{Key: "log_level", Value: c.LogLevel},
		{Key: "mirror", Value: yaml.MapSlice{
			{Key: "destination", Value: c.Mirror.Destination},
			{Key: "region", Value: c.Mirror.Region},
		}},
	}
}
