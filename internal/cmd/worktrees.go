package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "Create per-agent variant worktrees",
	Long: `Create one git worktree and branch per agent off the current commit.
Requires an approved session; the base commit is recorded for later diff
measurement.`,
	RunE: runWorktrees,
}

func init() {
	worktreesCmd.Flags().Int("agents", 0, "number of variant worktrees (default from config)")
	rootCmd.AddCommand(worktreesCmd)
}

func runWorktrees(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	agents, _ := cmd.Flags().GetInt("agents")
	if err := machine.CreateWorktrees(cmd.Context(), sessionFlag(), agents); err != nil {
		return err
	}
	fmt.Println("Worktrees created.")
	return nil
}
