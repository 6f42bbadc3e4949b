package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sddworks/changeflow/internal/errors"
	"github.com/sddworks/changeflow/internal/workflow"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Index the repository and generate the sharded digest",
	Long: `Index the repository, partition it into shards, and run one analysis
agent per shard to produce the repository digest. Unchanged shards are
reused from cache instead of re-dispatching an agent.

With --name, a new change session is created first and becomes active.`,
	RunE: runPlans,
}

func init() {
	plansCmd.Flags().String("name", "", "create a new session with this name")
	plansCmd.Flags().String("id", "", "explicit id for the new session")
	plansCmd.Flags().Int("agents", 0, "shard/agent count (default from config)")
	plansCmd.Flags().Bool("include-untracked", false, "index untracked (but not ignored) files")
	rootCmd.AddCommand(plansCmd)
}

func runPlans(cmd *cobra.Command, args []string) error {
	machine, cleanup, err := buildMachine()
	if err != nil {
		return err
	}
	defer cleanup()

	name, _ := cmd.Flags().GetString("name")
	explicitID, _ := cmd.Flags().GetString("id")
	agents, _ := cmd.Flags().GetInt("agents")
	includeUntracked, _ := cmd.Flags().GetBool("include-untracked")
	if !cmd.Flags().Changed("include-untracked") {
		includeUntracked = viper.GetBool("index.include_untracked")
	}

	sessionID := sessionFlag()
	if name != "" || explicitID != "" {
		sess, err := machine.CreateSession(name, explicitID)
		if err != nil {
			return err
		}
		sessionID = sess.ID
		fmt.Printf("Created session %s\n", sess.ID)
	}

	err = machine.GeneratePlans(cmd.Context(), sessionID, workflow.PlansOptions{
		ShardCount:       agents,
		IncludeUntracked: includeUntracked,
	})
	if err != nil {
		var shardErr *errors.ShardExecutionError
		if errors.As(err, &shardErr) {
			fmt.Printf("Shards failed: %v — fix the agent and re-run plans; succeeded shards stay cached.\n", shardErr.ShardIDs())
		}
		return err
	}

	fmt.Println("Repository digest generated.")
	return nil
}
