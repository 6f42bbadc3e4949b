// Package cmd wires the workflow core to the changeflow command line.
// Commands are thin: they resolve configuration and collaborators, then
// delegate to the workflow machine.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sddworks/changeflow/internal/agent"
	"github.com/sddworks/changeflow/internal/config"
	"github.com/sddworks/changeflow/internal/logging"
	"github.com/sddworks/changeflow/internal/quality"
	"github.com/sddworks/changeflow/internal/state"
	"github.com/sddworks/changeflow/internal/workflow"
	"github.com/sddworks/changeflow/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "changeflow",
	Short: "Multi-agent change workflow orchestrator",
	Long: `Changeflow drives a repository change through a phased workflow:
deterministic sharding and parallel agent analysis, review and task
breakdown, an explicit approval gate, per-agent variant worktrees,
test-based comparison, and integration of exactly one winner.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/changeflow/config.yaml)")
	rootCmd.PersistentFlags().String("session", "", "session id (default is the active session)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/changeflow")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHANGEFLOW")
	// Replace dots with underscores for nested keys in env vars
	// e.g., CHANGEFLOW_AGENT_COUNT for agent.count
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// sessionFlag returns the session id named on the command line, or "" for
// the active session.
func sessionFlag() string {
	return viper.GetString("session")
}

// buildMachine assembles the workflow machine for the repository containing
// the working directory. The returned cleanup closes the session logger.
func buildMachine() (*workflow.Machine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	git, err := worktree.New(cwd)
	if err != nil {
		return nil, nil, err
	}
	repoRoot := git.Root()

	stateDir := filepath.Join(repoRoot, cfg.Paths.StateDir)
	logger, err := logging.NewLogger(stateDir, cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}

	machine := workflow.NewMachine(workflow.Options{
		Config:   cfg,
		Store:    state.NewStore(stateDir),
		Git:      git,
		Runner:   agent.NewExecRunner(cfg.Agent.Executable, cfg.Agent.ExtraArgs),
		Quality:  quality.NewExecRunner(cfg.Quality.TestCommand, cfg.Quality.CoverageTool),
		Logger:   logger,
		RepoRoot: repoRoot,
	})

	cleanup := func() { _ = logger.Close() }
	return machine, cleanup, nil
}
