package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent identities",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new agent and print its one-time API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		id, apiKey, err := c.Agents.Register(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered agent %s (id=%s)\n", args[0], id)
		fmt.Fprintf(cmd.OutOrStdout(), "API key (shown once, store it now): %s\n", apiKey)
		return nil
	},
}

func init() {
	agentCmd.AddCommand(agentRegisterCmd)
}
