package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve the session's task breakdown",
	Long: `Record approval for the active session. Approval is required before any
code-mutating phase: worktree creation, the write mode of test-plan, and
finalize.`,
	RunE: runApprove,
}

var unapproveCmd = &cobra.Command{
	Use:   "unapprove",
	Short: "Revoke the session's approval",
	Long: `Reset the approval flag. Legal only while the phase is at or before
worktree creation. Already-created worktrees are never deleted.`,
	RunE: runUnapprove,
}

func init() {
	approveCmd.Flags().String("by", "", "who is approving (default $USER)")
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(unapproveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	by, _ := cmd.Flags().GetString("by")
	if by == "" {
		by = os.Getenv("USER")
	}

	if err := machine.Approve(sessionFlag(), by); err != nil {
		return err
	}
	fmt.Println("Session approved.")
	return nil
}

func runUnapprove(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := machine.Unapprove(sessionFlag()); err != nil {
		return err
	}
	fmt.Println("Approval revoked.")
	return nil
}
