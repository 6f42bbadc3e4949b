package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var testPlanCmd = &cobra.Command{
	Use:   "test-plan",
	Short: "Implement and measure each variant",
	Long: `Run each variant's agent in write mode inside its worktree, then run the
configured test command and record per-variant metrics: tests passed and
failed, coverage, and diff size against the base commit.`,
	RunE: runTestPlan,
}

func init() {
	testPlanCmd.Flags().Bool("coverage", true, "measure coverage (per quality.coverage_tool)")
	rootCmd.AddCommand(testPlanCmd)
}

func runTestPlan(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	coverage, _ := cmd.Flags().GetBool("coverage")
	if viper.GetString("quality.coverage_tool") == "none" {
		coverage = false
	}

	if err := machine.ExecuteTestPlan(cmd.Context(), sessionFlag(), coverage); err != nil {
		return err
	}
	fmt.Println("Test plan executed.")
	return nil
}
