package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var selectCmd = &cobra.Command{
	Use:   "select [agent-id]",
	Short: "Rank variants and select the winner",
	Long: `Rank the session's variants by test pass ratio, coverage, and diff size.
Without an argument, print the ranking and the recommendation. With an
agent id, mark that variant selected (exactly one can be).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSelect,
}

func init() {
	rootCmd.AddCommand(selectCmd)
}

func runSelect(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	ranked, recommended, err := machine.Recommend(sessionFlag())
	if err != nil {
		return err
	}

	fmt.Println("Ranking (best first):")
	for i, r := range ranked {
		ratio := "no tests"
		if r.PassRatio >= 0 {
			ratio = fmt.Sprintf("%.0f%% pass", r.PassRatio*100)
		}
		coverage := "coverage n/a"
		if r.Variant.CoveragePercent != nil {
			coverage = fmt.Sprintf("%.1f%% coverage", *r.Variant.CoveragePercent)
		}
		fmt.Printf("  %d. %s — %s, %s, %d diff lines\n",
			i+1, r.Variant.AgentID, ratio, coverage, r.Variant.DiffLinesChanged)
	}
	fmt.Printf("Recommended: %s\n", recommended)

	if len(args) == 0 {
		return nil
	}

	if err := machine.SelectVariant(sessionFlag(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Selected: %s\n", args[0])
	return nil
}
