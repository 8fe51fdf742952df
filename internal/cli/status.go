package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
)

// statusView is the JSON/text dashboard shape for `gitswarm status`.
type statusView struct {
	Repo               string `json:"repo"`
	Stage              string `json:"stage"`
	MergeMode          string `json:"merge_mode"`
	OwnershipModel     string `json:"ownership_model"`
	ConsensusAuthority string `json:"consensus_authority"`
	BufferBranch       string `json:"buffer_branch"`
	PromoteTarget      string `json:"promote_target"`
	ActiveStreams      int    `json:"active_streams"`
	InReviewStreams    int    `json:"in_review_streams"`
	QueuedEvents       int    `json:"queued_events"`
	Connected          bool   `json:"connected"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this repository's merge mode, consensus authority, and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		repo, err := c.Repos.Sole(cmd.Context())
		if err != nil {
			return err
		}

		active, err := c.Streams.List(cmd.Context(), repo.ID, "active")
		if err != nil {
			return err
		}
		inReview, err := c.Streams.List(cmd.Context(), repo.ID, "in_review")
		if err != nil {
			return err
		}
		queued, err := c.Queue.Len(cmd.Context())
		if err != nil {
			return err
		}

		view := statusView{
			Repo:               repo.DisplayName,
			Stage:              string(repo.Stage),
			MergeMode:          string(repo.MergeMode),
			OwnershipModel:     string(repo.OwnershipModel),
			ConsensusAuthority: string(repo.ConsensusAuthority),
			BufferBranch:       repo.BufferBranch,
			PromoteTarget:      repo.PromoteTarget,
			ActiveStreams:      len(active),
			InReviewStreams:    len(inReview),
			QueuedEvents:       queued,
			Connected:          c.Reachable(),
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "repo:                %s (stage=%s)\n", view.Repo, view.Stage)
		fmt.Fprintf(w, "merge mode:          %s (%s ownership)\n", view.MergeMode, view.OwnershipModel)
		fmt.Fprintf(w, "consensus authority: %s\n", view.ConsensusAuthority)
		fmt.Fprintf(w, "buffer -> promote:   %s -> %s\n", view.BufferBranch, view.PromoteTarget)
		fmt.Fprintf(w, "streams:             %d active, %d in review\n", view.ActiveStreams, view.InReviewStreams)
		fmt.Fprintf(w, "sync queue:          %d pending event(s)\n", view.QueuedEvents)
		fmt.Fprintf(w, "coordinator reachable: %v\n", view.Connected)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
