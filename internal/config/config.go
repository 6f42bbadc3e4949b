// Package config defines the changeflow configuration and its viper wiring.
// Configuration is layered: built-in defaults, then an optional YAML config
// file, then CHANGEFLOW_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete changeflow configuration
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Index    IndexConfig    `mapstructure:"index"`
	Quality  QualityConfig  `mapstructure:"quality"`
	Finalize FinalizeConfig `mapstructure:"finalize"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// AgentConfig controls external agent dispatch
type AgentConfig struct {
	// Count is the number of parallel agents (and shards) per run
	Count int `mapstructure:"count"`
	// Executable is the agent binary invoked per shard
	Executable string `mapstructure:"executable"`
	// ExtraArgs are appended verbatim to every agent invocation
	ExtraArgs []string `mapstructure:"extra_args"`
	// ShardTimeoutMinutes bounds a single shard run; a timeout is a shard
	// failure, never a silent hang (0 = no timeout)
	ShardTimeoutMinutes int `mapstructure:"shard_timeout_minutes"`
}

// IndexConfig controls repository indexing
type IndexConfig struct {
	// IncludeUntracked includes untracked (but not ignored) files in the index
	IncludeUntracked bool `mapstructure:"include_untracked"`
	// MaxFileBytes excludes files larger than this from the index
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
}

// QualityConfig controls the test and coverage runners
type QualityConfig struct {
	// TestCommand is the command run in each variant worktree
	TestCommand string `mapstructure:"test_command"`
	// CoverageTool selects the coverage runner: "cover" or "none"
	CoverageTool string `mapstructure:"coverage_tool"`
}

// FinalizeConfig controls variant integration
type FinalizeConfig struct {
	// Strategy is the default integration strategy: "merge" or "cherry-pick"
	Strategy string `mapstructure:"strategy"`
}

// LoggingConfig controls the structured session logger
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level"`
}

// PathsConfig controls where changeflow keeps its on-disk state
type PathsConfig struct {
	// StateDir is the repo-relative directory holding state.json, runs and
	// worktrees (default ".changeflow")
	StateDir string `mapstructure:"state_dir"`
	// DocsDir is the repo-relative directory holding per-change documents
	DocsDir string `mapstructure:"docs_dir"`
}

// ShardTimeout returns the per-shard dispatch timeout as a duration.
// Returns 0 when timeouts are disabled.
func (a *AgentConfig) ShardTimeout() time.Duration {
	return time.Duration(a.ShardTimeoutMinutes) * time.Minute
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Count:               4,
			Executable:          "codex",
			ExtraArgs:           nil,
			ShardTimeoutMinutes: 30,
		},
		Index: IndexConfig{
			IncludeUntracked: false,
			MaxFileBytes:     1_000_000,
		},
		Quality: QualityConfig{
			// Verbose output is required: per-test pass/fail counts are
			// parsed from the "--- PASS"/"--- FAIL" lines, which quiet
			// runs do not print.
			TestCommand:  "go test -v ./...",
			CoverageTool: "cover",
		},
		Finalize: FinalizeConfig{
			Strategy: "merge",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Paths: PathsConfig{
			StateDir: ".changeflow",
			DocsDir:  filepath.Join("docs", "changes"),
		},
	}
}

// SetDefaults registers the default values with viper so they are available
// even when no config file is present.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("agent.count", defaults.Agent.Count)
	viper.SetDefault("agent.executable", defaults.Agent.Executable)
	viper.SetDefault("agent.extra_args", defaults.Agent.ExtraArgs)
	viper.SetDefault("agent.shard_timeout_minutes", defaults.Agent.ShardTimeoutMinutes)

	viper.SetDefault("index.include_untracked", defaults.Index.IncludeUntracked)
	viper.SetDefault("index.max_file_bytes", defaults.Index.MaxFileBytes)

	viper.SetDefault("quality.test_command", defaults.Quality.TestCommand)
	viper.SetDefault("quality.coverage_tool", defaults.Quality.CoverageTool)

	viper.SetDefault("finalize.strategy", defaults.Finalize.Strategy)

	viper.SetDefault("logging.level", defaults.Logging.Level)

	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.docs_dir", defaults.Paths.DocsDir)
}

// Load unmarshals the merged viper configuration into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration values that have a constrained domain.
func (c *Config) Validate() error {
	if c.Agent.Count < 1 {
		return fmt.Errorf("agent.count must be at least 1, got %d", c.Agent.Count)
	}
	if c.Agent.ShardTimeoutMinutes < 0 {
		return fmt.Errorf("agent.shard_timeout_minutes must not be negative, got %d", c.Agent.ShardTimeoutMinutes)
	}
	switch c.Quality.CoverageTool {
	case "cover", "none":
	default:
		return fmt.Errorf("quality.coverage_tool must be %q or %q, got %q", "cover", "none", c.Quality.CoverageTool)
	}
	switch c.Finalize.Strategy {
	case "merge", "cherry-pick":
	default:
		return fmt.Errorf("finalize.strategy must be %q or %q, got %q", "merge", "cherry-pick", c.Finalize.Strategy)
	}
	return nil
}

// ConfigDir returns the directory where the user-level config file lives.
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "changeflow")
	}
	// Fall back to ~/.config/changeflow
	home, err := os.UserHomeDir()
	if err != nil {
		return ".changeflow"
	}
	return filepath.Join(home, ".config", "changeflow")
}
