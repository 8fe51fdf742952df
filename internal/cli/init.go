package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize gitswarm policy tables and repo-embedded config for this repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		mergeMode, _ := cmd.Flags().GetString("merge-mode")
		consensusThresh, _ := cmd.Flags().GetFloat64("consensus-threshold")
		minReviews, _ := cmd.Flags().GetInt("min-reviews")
		bufferBranch, _ := cmd.Flags().GetString("buffer-branch")
		promoteTarget, _ := cmd.Flags().GetString("promote-target")
		stabilizeCommand, _ := cmd.Flags().GetString("stabilize-command")

		c, err := federation.Init(".", federation.InitOptions{
			MergeMode:        mergeMode,
			ConsensusThresh:  consensusThresh,
			MinReviews:       minReviews,
			BufferBranch:     bufferBranch,
			PromoteTarget:    promoteTarget,
			StabilizeCommand: stabilizeCommand,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Initialized gitswarm in %s (merge_mode=%s, buffer=%s, promote_target=%s)\n",
			c.RepoDir, c.RepoConfig.MergeMode, c.RepoConfig.BufferBranch, c.RepoConfig.PromoteTarget)
		return nil
	},
}

func init() {
	initCmd.Flags().String("merge-mode", "review", "Merge mode: swarm, review, or gated")
	initCmd.Flags().Float64("consensus-threshold", 0.6, "Fraction of weighted approvals required in review mode")
	initCmd.Flags().Int("min-reviews", 1, "Minimum number of distinct reviewers required in review mode")
	initCmd.Flags().String("buffer-branch", "buffer", "Shared integration branch streams merge into")
	initCmd.Flags().String("promote-target", "main", "Branch promote fast-forwards from the buffer")
	initCmd.Flags().String("stabilize-command", "", "Shell command the stabilizer runs against the buffer branch")
}
