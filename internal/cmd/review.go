package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review the repository digest",
	Long: `Run a read-only review agent over the repository digest to produce the
review artifact for the active session.`,
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := machine.Review(cmd.Context(), sessionFlag()); err != nil {
		return err
	}
	fmt.Println("Review generated.")
	return nil
}
