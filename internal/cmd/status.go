package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sddworks/changeflow/internal/config"
	"github.com/sddworks/changeflow/internal/state"
	"github.com/sddworks/changeflow/internal/worktree"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current session status",
	Long:  `Display the active session's phase, approval state, and variants.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	repoRoot, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return err
	}

	store := state.NewStore(filepath.Join(repoRoot, cfg.Paths.StateDir))
	st, err := store.Load()
	if err != nil {
		return err
	}

	sessionID := sessionFlag()
	var sess *state.ChangeSession
	if sessionID != "" {
		sess = st.Session(sessionID)
	} else {
		sess = st.ActiveSession()
	}
	if sess == nil {
		fmt.Println("No active session")
		return nil
	}

	fmt.Printf("Session: %s\n", sess.Name)
	fmt.Printf("ID: %s\n", sess.ID)
	fmt.Printf("Phase: %s\n", sess.Phase)
	fmt.Printf("Approved: %v", sess.Approved)
	if sess.Approved && sess.ApprovedBy != "" {
		fmt.Printf(" (by %s at %s)", sess.ApprovedBy, sess.ApprovedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Printf("Created: %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	if sess.IndexHash != "" {
		fmt.Printf("Index hash: %s\n", sess.IndexHash)
	}
	if sess.ShardCount > 0 {
		fmt.Printf("Shards: %d\n", sess.ShardCount)
	}
	if sess.Archived {
		fmt.Println("Archived: yes")
	}

	if len(sess.Variants) > 0 {
		ids := make([]string, 0, len(sess.Variants))
		for id := range sess.Variants {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Printf("\nVariants: %d\n", len(sess.Variants))
		for _, id := range ids {
			v := sess.Variants[id]
			marker := " "
			if v.Selected {
				marker = "*"
			}
			coverage := "n/a"
			if v.CoveragePercent != nil {
				coverage = fmt.Sprintf("%.1f%%", *v.CoveragePercent)
			}
			fmt.Printf("%s %s (%s)\n", marker, v.AgentID, v.BranchRef)
			fmt.Printf("    Tests: %d passed, %d failed\n", v.TestsPassed, v.TestsFailed)
			fmt.Printf("    Coverage: %s, diff lines: %d\n", coverage, v.DiffLinesChanged)
		}
	}

	if len(sess.Runs) > 0 {
		fmt.Printf("\nShard runs: %d recorded\n", len(sess.Runs))
	}
	return nil
}
