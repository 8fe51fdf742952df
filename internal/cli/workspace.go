package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
	"github.com/alexngai/gitswarm/internal/stream"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage stream workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new stream and its worktree",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		task, _ := cmd.Flags().GetString("task")
		dependsOn, _ := cmd.Flags().GetString("depends-on")
		name, _ := cmd.Flags().GetString("name")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		repo, err := c.Repos.Sole(cmd.Context())
		if err != nil {
			return err
		}

		streamID, worktreePath, err := c.Streams.Create(cmd.Context(), repo, stream.CreateOpts{
			Agent: agentID, Task: task, DependsOn: dependsOn, Name: name,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created stream %s\n", streamID)
		fmt.Fprintf(cmd.OutOrStdout(), "Worktree: %s\n", worktreePath)
		return nil
	},
}

func init() {
	workspaceCreateCmd.Flags().String("agent", "", "Agent creating the stream (required)")
	workspaceCreateCmd.Flags().String("task", "", "Task description for this stream")
	workspaceCreateCmd.Flags().String("depends-on", "", "Parent stream id this stream forks from")
	workspaceCreateCmd.Flags().String("name", "", "Branch name; defaults to the task description")
	workspaceCreateCmd.MarkFlagRequired("agent")
	workspaceCmd.AddCommand(workspaceCreateCmd)
}
