package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
	"github.com/alexngai/gitswarm/internal/model"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Inspect streams",
}

var streamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List streams for this repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		statusFilter, _ := cmd.Flags().GetString("status")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		repo, err := c.Repos.Sole(cmd.Context())
		if err != nil {
			return err
		}

		streams, err := c.Streams.List(cmd.Context(), repo.ID, model.StreamStatus(statusFilter))
		if err != nil {
			return err
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(streams)
		}

		if len(streams) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No streams found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tBRANCH\tSTATUS\tREVIEW\tTASK")
		for _, s := range streams {
			task := s.Task
			if len(task) > 40 {
				task = task[:37] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Owner, s.Branch, s.Status, s.ReviewStatus, task)
		}
		return w.Flush()
	},
}

func init() {
	streamListCmd.Flags().String("format", "text", "Output format: text or json")
	streamListCmd.Flags().String("status", "", "Filter by status: active, in_review, merged, abandoned, reverted")
	streamCmd.AddCommand(streamListCmd)
}
