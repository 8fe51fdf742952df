package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/config"
	"github.com/alexngai/gitswarm/internal/federation"
	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drive the sync protocol against the connected coordinator",
}

var syncFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drain the offline event queue to the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		if c.Sync == nil {
			return gserr.New(gserr.Network, "server_unavailable", "no remote coordinator configured; run `gitswarm connect` first")
		}

		failed, err := c.Sync.FlushQueue(cmd.Context())
		if err != nil {
			return err
		}

		c.Local.LastSync = store.NowRFC3339()
		if err := config.SaveLocalState(c.DataDir, c.Local); err != nil {
			return err
		}

		if len(failed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue flushed.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Flush stopped after %d failed event type(s): %v\n", len(failed), failed)
		return nil
	},
}

var syncPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Pull updates from the coordinator since the last poll",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		if c.Sync == nil {
			return gserr.New(gserr.Network, "server_unavailable", "no remote coordinator configured; run `gitswarm connect` first")
		}

		since := time.Time{}
		if c.Local.LastPoll != "" {
			since, _ = time.Parse(time.RFC3339, c.Local.LastPoll)
		}

		raw, err := c.Sync.PollUpdates(cmd.Context(), since, c.Local.AgentID)
		if err != nil {
			return err
		}

		c.Local.LastPoll = store.NowRFC3339()
		if err := config.SaveLocalState(c.DataDir, c.Local); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncFlushCmd)
	syncCmd.AddCommand(syncPollCmd)
}
