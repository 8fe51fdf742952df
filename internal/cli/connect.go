package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect this repository to a remote coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("server")
		apiKey, _ := cmd.Flags().GetString("api-key")
		agentID, _ := cmd.Flags().GetString("agent-id")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ConnectServer(cmd.Context(), federation.ConnectOptions{
			URL: url, APIKey: apiKey, AgentID: agentID,
		}); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s as %s; consensus authority is now the coordinator.\n", url, agentID)
		return nil
	},
}

func init() {
	connectCmd.Flags().String("server", "", "Coordinator base URL (required)")
	connectCmd.Flags().String("api-key", "", "API key for this agent (required)")
	connectCmd.Flags().String("agent-id", "", "This agent's id (required)")
	connectCmd.MarkFlagRequired("server")
	connectCmd.MarkFlagRequired("api-key")
	connectCmd.MarkFlagRequired("agent-id")
}
