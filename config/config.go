// Package config assembles drover's startup configuration from three layers:
// built-in defaults, an optional YAML file, and DROVER_* environment
// variables. Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir  = ".drover"
	defaultConfigName = "config.yaml"

	// DefaultMaxSteps bounds a run when nothing overrides it.
	DefaultMaxSteps = 40
)

// ErrConfigNotFound reports that no config file exists at the resolved path.
var ErrConfigNotFound = errors.New("config file not found")

// Config holds every startup setting. YAML tags name the file keys, env tags
// the environment variables.
type Config struct {
	Provider     string `yaml:"provider" env:"DROVER_PROVIDER"`
	Model        string `yaml:"model" env:"DROVER_MODEL"`
	MaxSteps     int    `yaml:"max_steps" env:"DROVER_MAX_STEPS"`
	SystemPrompt string `yaml:"system_prompt" env:"DROVER_SYSTEM_PROMPT"`

	// Workspace is the directory file tools are confined to. Empty means
	// the current working directory.
	Workspace string `yaml:"workspace" env:"DROVER_WORKSPACE"`

	// SessionRoot overrides where session state is stored.
	SessionRoot string `yaml:"session_root" env:"DROVER_SESSION_ROOT"`

	// AllowExecute enables the shell, run_script, and async session tools.
	AllowExecute bool     `yaml:"allow_execute" env:"DROVER_ALLOW_EXECUTE"`
	AllowList    []string `yaml:"allow_list" env:"DROVER_ALLOW_LIST" envSeparator:","`
	DenyList     []string `yaml:"deny_list" env:"DROVER_DENY_LIST" envSeparator:","`

	// AllowNetwork lets sandboxed scripts use fetch.
	AllowNetwork bool `yaml:"allow_network" env:"DROVER_ALLOW_NETWORK"`

	// MCPConfig points at a JSON file declaring external tool servers.
	MCPConfig string `yaml:"mcp_config" env:"DROVER_MCP_CONFIG"`

	// EventLog is an optional JSONL file that receives every run event.
	EventLog string `yaml:"event_log" env:"DROVER_EVENT_LOG"`

	// RequestTimeoutMs bounds a single provider call; Retries bounds
	// re-attempts on retryable provider errors.
	RequestTimeoutMs int `yaml:"request_timeout_ms" env:"DROVER_REQUEST_TIMEOUT_MS"`
	Retries          int `yaml:"retries" env:"DROVER_RETRIES"`

	// APIKey is the provider credential. Never written to the config file.
	APIKey string `yaml:"-" env:"DROVER_API_KEY"`

	LogLevel string `yaml:"log_level" env:"DROVER_LOG_LEVEL"`
}

// Default returns the built-in baseline.
func Default() Config {
	return Config{
		Provider:         "echo",
		MaxSteps:         DefaultMaxSteps,
		RequestTimeoutMs: 120000,
		Retries:          2,
		LogLevel:         "info",
	}
}

// DefaultPath returns ~/.drover/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return defaultConfigName
	}
	return filepath.Join(home, defaultConfigDir, defaultConfigName)
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (or the default path when path is empty and the file exists), then
// environment variables. A missing explicit file is an error; a missing
// default file is not.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath()
	}
	fileCfg, err := loadFile(path)
	switch {
	case err == nil:
		cfg = merge(cfg, fileCfg)
	case errors.Is(err, ErrConfigNotFound) && !explicit:
		// no file is fine
	default:
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays the non-zero fields of override onto base.
func merge(base, override Config) Config {
	if strings.TrimSpace(override.Provider) != "" {
		base.Provider = override.Provider
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if override.MaxSteps > 0 {
		base.MaxSteps = override.MaxSteps
	}
	if strings.TrimSpace(override.SystemPrompt) != "" {
		base.SystemPrompt = override.SystemPrompt
	}
	if strings.TrimSpace(override.Workspace) != "" {
		base.Workspace = override.Workspace
	}
	if strings.TrimSpace(override.SessionRoot) != "" {
		base.SessionRoot = override.SessionRoot
	}
	if override.AllowExecute {
		base.AllowExecute = true
	}
	if len(override.AllowList) > 0 {
		base.AllowList = override.AllowList
	}
	if len(override.DenyList) > 0 {
		base.DenyList = override.DenyList
	}
	if override.AllowNetwork {
		base.AllowNetwork = true
	}
	if strings.TrimSpace(override.MCPConfig) != "" {
		base.MCPConfig = override.MCPConfig
	}
	if strings.TrimSpace(override.EventLog) != "" {
		base.EventLog = override.EventLog
	}
	if override.RequestTimeoutMs > 0 {
		base.RequestTimeoutMs = override.RequestTimeoutMs
	}
	if override.Retries > 0 {
		base.Retries = override.Retries
	}
	if strings.TrimSpace(override.LogLevel) != "" {
		base.LogLevel = override.LogLevel
	}
	return base
}

// Validate rejects settings the rest of the program cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return errors.New("provider is required")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.RequestTimeoutMs < 0 {
		return fmt.Errorf("request_timeout_ms must not be negative, got %d", c.RequestTimeoutMs)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Workspace != "" {
		info, err := os.Stat(c.Workspace)
		if err != nil {
			return fmt.Errorf("workspace %s: %w", c.Workspace, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace %s is not a directory", c.Workspace)
		}
	}
	return nil
}
