// Package config handles configuration loading and management for conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for conductor.
type Config struct {
	Decompose DecomposeConfig `mapstructure:"decompose" yaml:"decompose"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Battle    BattleConfig    `mapstructure:"battle" yaml:"battle"`
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
	Shell     ShellConfig     `mapstructure:"shell" yaml:"shell"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	TUI       TUIConfig       `mapstructure:"tui" yaml:"tui"`
}

// DecomposeConfig controls task decomposition.
type DecomposeConfig struct {
	MaxDepth       int    `mapstructure:"max_depth" yaml:"max_depth"`
	MinGranularity string `mapstructure:"min_granularity" yaml:"min_granularity"`
	MaxSubtasks    int    `mapstructure:"max_subtasks" yaml:"max_subtasks"`
}

// ExecutorConfig controls the wave executor.
type ExecutorConfig struct {
	// Name selects the registered subtask executor (simulate, shell, anthropic).
	Name           string        `mapstructure:"name" yaml:"name"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	// BlockOnFailure skips dependents of failed subtasks.
	BlockOnFailure bool `mapstructure:"block_on_failure" yaml:"block_on_failure"`
	// UsePool routes subtasks through the worker pool.
	UsePool  bool   `mapstructure:"use_pool" yaml:"use_pool"`
	Priority string `mapstructure:"priority" yaml:"priority"`
	// SimulateFailureRate is the fraction of subtasks the simulate executor fails.
	SimulateFailureRate float64 `mapstructure:"simulate_failure_rate" yaml:"simulate_failure_rate"`
	// SimulateSpeedup divides estimated durations in the simulate executor.
	SimulateSpeedup float64 `mapstructure:"simulate_speedup" yaml:"simulate_speedup"`
}

// PoolConfig controls the worker pool.
type PoolConfig struct {
	MinWorkers         int           `mapstructure:"min_workers" yaml:"min_workers"`
	MaxWorkers         int           `mapstructure:"max_workers" yaml:"max_workers"`
	SchedulerInterval  time.Duration `mapstructure:"scheduler_interval" yaml:"scheduler_interval"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold"`
	ScaleUpQueueDepth  int           `mapstructure:"scale_up_queue_depth" yaml:"scale_up_queue_depth"`
	ScaleCooldown      time.Duration `mapstructure:"scale_cooldown" yaml:"scale_cooldown"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// BattleConfig controls large-job partitioning.
type BattleConfig struct {
	MinSubtasks              int      `mapstructure:"min_subtasks" yaml:"min_subtasks"`
	MinFiles                 int      `mapstructure:"min_files" yaml:"min_files"`
	MinComplexity            float64  `mapstructure:"min_complexity" yaml:"min_complexity"`
	WorthyKinds              []string `mapstructure:"worthy_kinds" yaml:"worthy_kinds"`
	MinDevBranches           int      `mapstructure:"min_dev_branches" yaml:"min_dev_branches"`
	MaxDevBranches           int      `mapstructure:"max_dev_branches" yaml:"max_dev_branches"`
	StagingBranches          int      `mapstructure:"staging_branches" yaml:"staging_branches"`
	BranchTemplate           string   `mapstructure:"branch_template" yaml:"branch_template"`
	Strategy                 string   `mapstructure:"strategy" yaml:"strategy"`
	BaseBranch               string   `mapstructure:"base_branch" yaml:"base_branch"`
	RequireTests             bool     `mapstructure:"require_tests" yaml:"require_tests"`
	TestCommand              string   `mapstructure:"test_command" yaml:"test_command"`
	DeleteBranchesAfterMerge bool     `mapstructure:"delete_branches_after_merge" yaml:"delete_branches_after_merge"`
	Seed                     int64    `mapstructure:"seed" yaml:"seed"`
}

// AnthropicConfig holds Anthropic API settings for the anthropic executor.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Model      string `mapstructure:"model" yaml:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens" yaml:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
}

// ShellConfig holds settings for the shell executor.
type ShellConfig struct {
	// Command is run through the shell with {target}, {id} and {kind} substituted.
	Command string `mapstructure:"command" yaml:"command"`
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
}

// StateConfig controls run persistence.
type StateConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// TUIConfig holds dashboard settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate" yaml:"refresh_rate"`
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CONDUCTOR_*, ANTHROPIC_API_KEY)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file on top of defaults.
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
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "CONDUCTOR_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch {
	case c.Executor.MaxConcurrency < 1:
		return fmt.Errorf("%w: executor.max_concurrency must be >= 1", ErrInvalidConfig)
	case c.Executor.BatchSize < 1:
		return fmt.Errorf("%w: executor.batch_size must be >= 1", ErrInvalidConfig)
	case c.Executor.TaskTimeout <= 0:
		return fmt.Errorf("%w: executor.task_timeout must be positive", ErrInvalidConfig)
	case c.Pool.MinWorkers < 0 || c.Pool.MaxWorkers < 0:
		return fmt.Errorf("%w: pool worker bounds must not be negative", ErrInvalidConfig)
	case c.Pool.ScaleDownThreshold >= c.Pool.ScaleUpThreshold:
		return fmt.Errorf("%w: pool.scale_down_threshold must be below pool.scale_up_threshold", ErrInvalidConfig)
	case c.Battle.StagingBranches < 1:
		return fmt.Errorf("%w: battle.staging_branches must be >= 1", ErrInvalidConfig)
	case c.Battle.MinDevBranches < 1 || c.Battle.MaxDevBranches < c.Battle.MinDevBranches:
		return fmt.Errorf("%w: battle dev branch bounds are inconsistent", ErrInvalidConfig)
	}
	return nil
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

	v.SetDefault("decompose.max_depth", d.Decompose.MaxDepth)
	v.SetDefault("decompose.min_granularity", d.Decompose.MinGranularity)
	v.SetDefault("decompose.max_subtasks", d.Decompose.MaxSubtasks)

	v.SetDefault("executor.name", d.Executor.Name)
	v.SetDefault("executor.max_concurrency", d.Executor.MaxConcurrency)
	v.SetDefault("executor.batch_size", d.Executor.BatchSize)
	v.SetDefault("executor.task_timeout", d.Executor.TaskTimeout.String())
	v.SetDefault("executor.block_on_failure", d.Executor.BlockOnFailure)
	v.SetDefault("executor.use_pool", d.Executor.UsePool)
	v.SetDefault("executor.priority", d.Executor.Priority)
	v.SetDefault("executor.simulate_failure_rate", d.Executor.SimulateFailureRate)
	v.SetDefault("executor.simulate_speedup", d.Executor.SimulateSpeedup)

	v.SetDefault("pool.min_workers", d.Pool.MinWorkers)
	v.SetDefault("pool.max_workers", d.Pool.MaxWorkers)
	v.SetDefault("pool.scheduler_interval", d.Pool.SchedulerInterval.String())
	v.SetDefault("pool.monitor_interval", d.Pool.MonitorInterval.String())
	v.SetDefault("pool.scale_up_threshold", d.Pool.ScaleUpThreshold)
	v.SetDefault("pool.scale_down_threshold", d.Pool.ScaleDownThreshold)
	v.SetDefault("pool.scale_up_queue_depth", d.Pool.ScaleUpQueueDepth)
	v.SetDefault("pool.scale_cooldown", d.Pool.ScaleCooldown.String())
	v.SetDefault("pool.shutdown_grace", d.Pool.ShutdownGrace.String())

	v.SetDefault("battle.min_subtasks", d.Battle.MinSubtasks)
	v.SetDefault("battle.min_files", d.Battle.MinFiles)
	v.SetDefault("battle.min_complexity", d.Battle.MinComplexity)
	v.SetDefault("battle.worthy_kinds", d.Battle.WorthyKinds)
	v.SetDefault("battle.min_dev_branches", d.Battle.MinDevBranches)
	v.SetDefault("battle.max_dev_branches", d.Battle.MaxDevBranches)
	v.SetDefault("battle.staging_branches", d.Battle.StagingBranches)
	v.SetDefault("battle.branch_template", d.Battle.BranchTemplate)
	v.SetDefault("battle.strategy", d.Battle.Strategy)
	v.SetDefault("battle.base_branch", d.Battle.BaseBranch)
	v.SetDefault("battle.require_tests", d.Battle.RequireTests)
	v.SetDefault("battle.test_command", d.Battle.TestCommand)
	v.SetDefault("battle.delete_branches_after_merge", d.Battle.DeleteBranchesAfterMerge)
	v.SetDefault("battle.seed", d.Battle.Seed)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("shell.command", d.Shell.Command)
	v.SetDefault("shell.work_dir", "")

	v.SetDefault("state.enabled", d.State.Enabled)
	v.SetDefault("state.path", d.State.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
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
		Decompose: DecomposeConfig{
			MaxDepth:       6,
			MinGranularity: "function",
			MaxSubtasks:    10000,
		},
		Executor: ExecutorConfig{
			Name:            "simulate",
			MaxConcurrency:  64,
			BatchSize:       100,
			TaskTimeout:     30 * time.Second,
			BlockOnFailure:  true,
			Priority:        "normal",
			UsePool:         true,
			SimulateSpeedup: 10,
		},
		Pool: PoolConfig{
			MinWorkers:         2,
			SchedulerInterval:  10 * time.Millisecond,
			MonitorInterval:    5 * time.Second,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
			ScaleUpQueueDepth:  3,
			ScaleCooldown:      2 * time.Second,
			ShutdownGrace:      30 * time.Second,
		},
		Battle: BattleConfig{
			MinSubtasks:              100,
			MinFiles:                 10,
			MinComplexity:            7.5,
			WorthyKinds:              []string{},
			MinDevBranches:           4,
			MaxDevBranches:           16,
			StagingBranches:          2,
			BranchTemplate:           "conductor/battle-{jobId}-{type}{index}",
			Strategy:                 "file-affinity-balanced",
			BaseBranch:               "main",
			DeleteBranchesAfterMerge: true,
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Shell: ShellConfig{
			Command: "echo {kind} {target}",
		},
		State: StateConfig{
			Enabled: true,
			Path:    filepath.Join(".conductor", "state.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
