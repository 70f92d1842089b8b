// Package config handles configuration loading and management for orca.
// It supports XDG config paths, project-level overrides, .env files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ProjectConfigName is the file searched for from the working directory upward.
const ProjectConfigName = ".orca.yaml"

// MaxCommandTimeout caps the per-command timeout a worker may request.
const MaxCommandTimeout = 300 * time.Second

// Config holds all configuration for orca.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Inference    InferenceConfig    `mapstructure:"inference"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Exec         ExecConfig         `mapstructure:"exec"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	State        StateConfig        `mapstructure:"state"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	TUI          TUIConfig          `mapstructure:"tui"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int    `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// InferenceConfig controls retries and client-side pacing of model calls.
type InferenceConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Jitter            float64       `mapstructure:"jitter"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	// ContextWindow is the model input limit in tokens. Zero disables the pre-flight check.
	ContextWindow int `mapstructure:"context_window"`
}

// LimitsConfig holds the continuation limits of both loops.
type LimitsConfig struct {
	OrchestratorMaxTurns  int           `mapstructure:"orchestrator_max_turns"`
	SubagentMaxTurns      int           `mapstructure:"subagent_max_turns"`
	MaxParseErrorTurns    int           `mapstructure:"max_parse_error_turns"`
	MaxNoActionTurns      int           `mapstructure:"max_no_action_turns"`
	OrchestratorWallClock time.Duration `mapstructure:"orchestrator_wall_clock"`
	SubagentWallClock     time.Duration `mapstructure:"subagent_wall_clock"`
	FinalReportRequest    bool          `mapstructure:"final_report_request"`
	MaxParallelSubagents  int           `mapstructure:"max_parallel_subagents"`
}

// ExecConfig holds sandbox settings.
type ExecConfig struct {
	Workdir        string        `mapstructure:"workdir"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	MaxOutput      int           `mapstructure:"max_output"`
	BootstrapLines int           `mapstructure:"bootstrap_lines"`
}

// OrchestratorConfig holds controller behaviour toggles.
type OrchestratorConfig struct {
	VerboseResults bool   `mapstructure:"verbose_results"`
	GuidanceFile   string `mapstructure:"guidance_file"`
}

// LoggingConfig holds log destinations. An empty DebugLog disables debug logging.
type LoggingConfig struct {
	DebugLog    string `mapstructure:"debug_log"`
	CriticalDir string `mapstructure:"critical_dir"`
}

// StateConfig holds run persistence settings.
type StateConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// MetricsConfig holds the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, ORCA_*)
// 2. Project config (.orca.yaml in current directory or parent)
// 3. User config (~/.config/orca/config.yaml)
// 4. Built-in defaults
//
// A .env file in the working directory is loaded first without overriding
// variables that are already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := newViper()

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		// Project config takes precedence
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path. Environment
// variables still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", "ORCA_ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Validate rejects configurations the loops cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"limits.orchestrator_max_turns": c.Limits.OrchestratorMaxTurns,
		"limits.subagent_max_turns":     c.Limits.SubagentMaxTurns,
		"limits.max_parse_error_turns":  c.Limits.MaxParseErrorTurns,
		"limits.max_no_action_turns":    c.Limits.MaxNoActionTurns,
		"limits.max_parallel_subagents": c.Limits.MaxParallelSubagents,
		"anthropic.max_tokens":          c.Anthropic.MaxTokens,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, positive[key]))
		}
	}
	if c.Exec.MaxTimeout > MaxCommandTimeout {
		errs = append(errs, fmt.Errorf("exec.max_timeout must be at most %s, got %s", MaxCommandTimeout, c.Exec.MaxTimeout))
	}
	if c.Exec.DefaultTimeout <= 0 || c.Exec.DefaultTimeout > c.Exec.MaxTimeout {
		errs = append(errs, fmt.Errorf("exec.default_timeout must be in (0, %s], got %s", c.Exec.MaxTimeout, c.Exec.DefaultTimeout))
	}
	if c.Inference.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("inference.max_retries must not be negative, got %d", c.Inference.MaxRetries))
	}
	if c.Inference.Jitter < 0 || c.Inference.Jitter > 1 {
		errs = append(errs, fmt.Errorf("inference.jitter must be within [0, 1], got %g", c.Inference.Jitter))
	}
	if c.Anthropic.UseBedrock && c.Anthropic.AWSRegion == "" {
		errs = append(errs, errors.New("anthropic.aws_region is required when use_bedrock is set"))
	}
	return errors.Join(errs...)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("inference.max_retries", d.Inference.MaxRetries)
	v.SetDefault("inference.base_delay", d.Inference.BaseDelay.String())
	v.SetDefault("inference.max_delay", d.Inference.MaxDelay.String())
	v.SetDefault("inference.jitter", d.Inference.Jitter)
	v.SetDefault("inference.requests_per_second", d.Inference.RequestsPerSecond)
	v.SetDefault("inference.burst", d.Inference.Burst)
	v.SetDefault("inference.context_window", d.Inference.ContextWindow)

	v.SetDefault("limits.orchestrator_max_turns", d.Limits.OrchestratorMaxTurns)
	v.SetDefault("limits.subagent_max_turns", d.Limits.SubagentMaxTurns)
	v.SetDefault("limits.max_parse_error_turns", d.Limits.MaxParseErrorTurns)
	v.SetDefault("limits.max_no_action_turns", d.Limits.MaxNoActionTurns)
	v.SetDefault("limits.orchestrator_wall_clock", d.Limits.OrchestratorWallClock.String())
	v.SetDefault("limits.subagent_wall_clock", d.Limits.SubagentWallClock.String())
	v.SetDefault("limits.final_report_request", d.Limits.FinalReportRequest)
	v.SetDefault("limits.max_parallel_subagents", d.Limits.MaxParallelSubagents)

	v.SetDefault("exec.workdir", d.Exec.Workdir)
	v.SetDefault("exec.default_timeout", d.Exec.DefaultTimeout.String())
	v.SetDefault("exec.max_timeout", d.Exec.MaxTimeout.String())
	v.SetDefault("exec.max_output", d.Exec.MaxOutput)
	v.SetDefault("exec.bootstrap_lines", d.Exec.BootstrapLines)

	v.SetDefault("orchestrator.verbose_results", false)
	v.SetDefault("orchestrator.guidance_file", "")

	v.SetDefault("logging.debug_log", d.Logging.DebugLog)
	v.SetDefault("logging.critical_dir", d.Logging.CriticalDir)

	v.SetDefault("state.enabled", d.State.Enabled)
	v.SetDefault("state.db_path", d.State.DBPath)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for orca.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orca")
	}

	// Fall back to ~/.config/orca
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orca")
	}
	return filepath.Join(home, ".config", "orca")
}

// findProjectConfig searches for .orca.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Inference: InferenceConfig{
			MaxRetries:    10,
			BaseDelay:     time.Second,
			MaxDelay:      60 * time.Second,
			Jitter:        0.2,
			Burst:         1,
			ContextWindow: 200000,
		},
		Limits: LimitsConfig{
			OrchestratorMaxTurns:  50,
			SubagentMaxTurns:      30,
			MaxParseErrorTurns:    3,
			MaxNoActionTurns:      3,
			OrchestratorWallClock: 2 * time.Hour,
			SubagentWallClock:     30 * time.Minute,
			FinalReportRequest:    true,
			MaxParallelSubagents:  4,
		},
		Exec: ExecConfig{
			Workdir:        ".",
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     MaxCommandTimeout,
			MaxOutput:      30000,
			BootstrapLines: 1000,
		},
		Logging: LoggingConfig{
			DebugLog:    filepath.Join(".orca", "logs", "orca-debug.log"),
			CriticalDir: filepath.Join(".orca", "critical_errors"),
		},
		State: StateConfig{
			Enabled: true,
			DBPath:  filepath.Join(".orca", "state.db"),
		},
		TUI: TUIConfig{
			RefreshRate: 200 * time.Millisecond,
		},
	}
}
