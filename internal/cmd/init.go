package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sddworks/changeflow/internal/config"
	"github.com/sddworks/changeflow/internal/worktree"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize changeflow in the current repository",
	Long: `Initialize changeflow in the current git repository.
This creates the state directory for session state and worktrees, and the
docs directory for per-change documents.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	// Find the git repository root (may be in a parent directory)
	repoRoot, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return fmt.Errorf("not a git repository (or any parent up to mount point)")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	stateDir := filepath.Join(repoRoot, cfg.Paths.StateDir)
	docsDir := filepath.Join(repoRoot, cfg.Paths.DocsDir)
	for _, dir := range []string{stateDir, docsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		fmt.Printf("Using config: %s\n", cfgFile)
	}
	fmt.Println("Changeflow initialized successfully!")
	fmt.Printf("State directory: %s\n", stateDir)
	fmt.Printf("Docs directory: %s\n", docsDir)
	return nil
}
