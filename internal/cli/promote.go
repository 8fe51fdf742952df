package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Fast-forward the promote_target branch from a tag or the buffer",
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, _ := cmd.Flags().GetString("tag")
		agentID, _ := cmd.Flags().GetString("agent")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		repo, err := c.Repos.Sole(cmd.Context())
		if err != nil {
			return err
		}

		source := tag
		if source == "" {
			source = repo.BufferBranch
		}

		if err := c.Promoter.Promote(cmd.Context(), source, agentID); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Promoted %s to %s\n", source, repo.PromoteTarget)
		return nil
	},
}

func init() {
	promoteCmd.Flags().String("tag", "", "Tag to promote; defaults to the current buffer branch")
	promoteCmd.Flags().String("agent", "", "Agent performing the promotion (required; maintainer level)")
	promoteCmd.MarkFlagRequired("agent")
}
