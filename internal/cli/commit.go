package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/stream"
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record a commit on a stream, auto-merging to buffer in swarm mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		message, _ := cmd.Flags().GetString("message")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		repo, err := c.Repos.Sole(cmd.Context())
		if err != nil {
			return err
		}

		streamID, err := resolveActiveStream(cmd.Context(), c, repo.ID, agentID)
		if err != nil {
			return err
		}

		result, err := c.Streams.Commit(cmd.Context(), repo, stream.CommitOpts{
			Agent: agentID, Message: message, Stream: streamID,
		}, c.Merge)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Committed %s (change %s)\n", result.Commit, result.ChangeID)
		if result.Merged {
			fmt.Fprintln(cmd.OutOrStdout(), "Auto-merged to buffer (swarm mode).")
		} else if result.MergeError != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit recorded; swarm-mode auto-merge failed: %v\n", result.MergeError)
		}
		return nil
	},
}

func init() {
	commitCmd.Flags().String("agent", "", "Committing agent (required)")
	commitCmd.Flags().StringP("message", "m", "", "Commit message (required)")
	commitCmd.MarkFlagRequired("agent")
	commitCmd.MarkFlagRequired("message")
}

// resolveActiveStream finds the single active stream an agent currently
// owns, since `commit` (unlike `review`/`merge`) takes no --stream flag:
// an agent works in one worktree, tied to one branch, at a time.
func resolveActiveStream(ctx context.Context, c *federation.Context, repoID, agentID string) (string, error) {
	active, err := c.Streams.List(ctx, repoID, model.StreamActive)
	if err != nil {
		return "", err
	}
	var owned []model.Stream
	for _, s := range active {
		if s.Owner == agentID {
			owned = append(owned, s)
		}
	}
	switch len(owned) {
	case 0:
		return "", gserr.New(gserr.NotFound, "no_active_stream", fmt.Sprintf("agent %s has no active stream to commit against", agentID))
	case 1:
		return owned[0].ID, nil
	default:
		return "", gserr.New(gserr.Validation, "ambiguous_active_stream", fmt.Sprintf("agent %s owns %d active streams; abandon or merge extras first", agentID, len(owned)))
	}
}
