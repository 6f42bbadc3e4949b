package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Generate the task breakdown",
	Long: `Run a read-only agent over the review to produce the ordered task
breakdown artifact. Tasks are what gets approved before any code-mutating
phase runs.`,
	RunE: runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := machine.GenerateTasks(cmd.Context(), sessionFlag()); err != nil {
		return err
	}
	fmt.Println("Task breakdown generated.")
	return nil
}
