package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes environment overrides, e.g. POETRY_WORKERS or
// POETRY_PROVIDER_API_KEY.
const EnvPrefix = "POETRY"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
// An empty cfgFile searches ./config.yaml and $HOME/.poetry/config.yaml.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	setDefaults(cm.v, DefaultConfig())

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.poetry")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf key so env overrides reach nested values.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("input_dir", d.InputDir)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("pattern", d.Pattern)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("batch_interval", d.BatchInterval)

	v.SetDefault("retry.batch.attempts", d.Retry.Batch.Attempts)
	v.SetDefault("retry.batch.incomplete_delay", d.Retry.Batch.IncompleteDelay)
	v.SetDefault("retry.batch.error_delay", d.Retry.Batch.ErrorDelay)
	v.SetDefault("retry.single.attempts", d.Retry.Single.Attempts)
	v.SetDefault("retry.single.incomplete_delay", d.Retry.Single.IncompleteDelay)
	v.SetDefault("retry.single.error_delay", d.Retry.Single.ErrorDelay)

	v.SetDefault("provider.type", d.Provider.Type)
	v.SetDefault("provider.base_url", d.Provider.BaseURL)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.api_key", d.Provider.APIKey)
	v.SetDefault("provider.temperature", d.Provider.Temperature)
	v.SetDefault("provider.top_p", d.Provider.TopP)
	v.SetDefault("provider.max_tokens", d.Provider.MaxTokens)
	v.SetDefault("provider.timeout", d.Provider.Timeout)
	v.SetDefault("provider.rate_limit", d.Provider.RateLimit)

	v.SetDefault("prompt_file", d.PromptFile)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("mirror.destination", d.Mirror.Destination)
	v.SetDefault("mirror.region", d.Mirror.Region)
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// BindFlags lets command-line flags override file and env values, then
// reloads. Keys are config keys such as "workers" or "provider.type".
func (cm *Manager) BindFlags(flags map[string]*pflag.Flag) error {
	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := cm.v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	cfg, err := cm.load()
	if err != nil {
		return err
	}
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}

// ConfigFile returns the config file in use, or "" when none was found.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. Reloads that fail to
// parse are ignored.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig().document())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Poetry enrichment configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Any key can be overridden with POETRY_<KEY>, e.g. POETRY_WORKERS=8 or POETRY_PROVIDER_MODEL=...

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
