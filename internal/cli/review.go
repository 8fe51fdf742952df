package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Submit a review verdict for a stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		streamID, _ := cmd.Flags().GetString("stream")
		agentID, _ := cmd.Flags().GetString("agent")
		verdictFlag, _ := cmd.Flags().GetString("verdict")
		feedback, _ := cmd.Flags().GetString("message")
		isHuman, _ := cmd.Flags().GetBool("human")
		tested, _ := cmd.Flags().GetBool("tested")

		// `reject` is normalized to `request_changes` (spec §6 CLI surface).
		if verdictFlag == "reject" {
			verdictFlag = string(model.VerdictRequestChanges)
		}
		verdict := model.Verdict(verdictFlag)
		switch verdict {
		case model.VerdictApprove, model.VerdictRequestChanges, model.VerdictComment:
		default:
			return gserr.New(gserr.Validation, "invalid_verdict", verdictFlag)
		}

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Reviews.Submit(cmd.Context(), c.Streams, streamID, agentID, verdict, feedback, isHuman, tested); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s review by %s on stream %s\n", verdict, agentID, streamID)
		return nil
	},
}

func init() {
	reviewCmd.Flags().String("stream", "", "Stream id being reviewed (required)")
	reviewCmd.Flags().String("agent", "", "Reviewing agent (required)")
	reviewCmd.Flags().String("verdict", "", "approve, request_changes, reject (alias for request_changes), or comment (required)")
	reviewCmd.Flags().StringP("message", "m", "", "Review feedback")
	reviewCmd.Flags().Bool("human", false, "Mark this review as a human review (weighted per human_review_weight)")
	reviewCmd.Flags().Bool("tested", false, "Mark this review as having run the change locally")
	reviewCmd.MarkFlagRequired("stream")
	reviewCmd.MarkFlagRequired("agent")
	reviewCmd.MarkFlagRequired("verdict")
}
