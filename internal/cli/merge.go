package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge a stream to the buffer branch, gated by merge mode and consensus",
	RunE: func(cmd *cobra.Command, args []string) error {
		streamID, _ := cmd.Flags().GetString("stream")
		agentID, _ := cmd.Flags().GetString("agent")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Merge.MergeToBuffer(cmd.Context(), streamID, agentID); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Merged stream %s to buffer\n", streamID)
		return nil
	},
}

func init() {
	mergeCmd.Flags().String("stream", "", "Stream id to merge (required)")
	mergeCmd.Flags().String("agent", "", "Agent performing the merge (required)")
	mergeCmd.MarkFlagRequired("stream")
	mergeCmd.MarkFlagRequired("agent")
}
