package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
	"github.com/alexngai/gitswarm/internal/model"
)

var stabilizeCmd = &cobra.Command{
	Use:   "stabilize",
	Short: "Run the configured stabilize_command against the buffer branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		repo, err := c.Repos.Sole(cmd.Context())
		if err != nil {
			return err
		}

		result, err := c.Stabilizer.Stabilize(cmd.Context(), repo.ID)
		if err != nil {
			return err
		}

		if result.Result == model.StabilizationGreen {
			fmt.Fprintf(cmd.OutOrStdout(), "green: tagged %s\n", result.Tag)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "red: stabilize_command failed")
			if result.RevertedID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "reverted stream %s; a critical task was recorded\n", result.RevertedID)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Output)
		return nil
	},
}
