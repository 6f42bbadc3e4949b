package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Integrate the selected variant and archive the session",
	Long: `Integrate the selected variant's branch into the base line using the
configured strategy (merge or cherry-pick), then archive the session's
documents. On a conflict the session is left untouched at its current
phase so finalize can be retried.`,
	RunE: runFinalize,
}

func init() {
	finalizeCmd.Flags().String("strategy", "", "integration strategy: merge or cherry-pick (default from config)")
	rootCmd.AddCommand(finalizeCmd)
}

func runFinalize(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	strategy, _ := cmd.Flags().GetString("strategy")
	if err := machine.Finalize(cmd.Context(), sessionFlag(), strategy); err != nil {
		return err
	}
	fmt.Println("Change finalized and archived.")
	return nil
}
