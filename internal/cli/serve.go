package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexngai/gitswarm/internal/federation"
)

// serveCmd runs gitswarm as a long-lived process that ticks stabilize and
// sync poll/flush on a schedule instead of waiting for an operator to run
// them by hand. Not part of spec.md's literal CLI surface; supplements §5's
// "stabilize... run[s] periodically or on demand" with an actual scheduler.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run gitswarm in the background, ticking stabilize and sync on a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		stabilizeEvery, _ := cmd.Flags().GetDuration("stabilize-interval")
		pollEvery, _ := cmd.Flags().GetDuration("sync-poll-interval")
		flushEvery, _ := cmd.Flags().GetDuration("sync-flush-interval")

		c, err := federation.Open(".")
		if err != nil {
			return err
		}
		defer c.Close()

		sched, err := federation.NewScheduler(c, federation.SchedulerOptions{
			StabilizeEvery: stabilizeEvery,
			SyncPollEvery:  pollEvery,
			SyncFlushEvery: flushEvery,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(cmd.OutOrStdout(), "gitswarm serve: stabilize every %s, sync poll every %s, sync flush every %s (ctrl-C to stop)\n",
			durOrOff(stabilizeEvery), durOrOff(pollEvery), durOrOff(flushEvery))

		err = sched.Run(ctx)
		if err == context.Canceled {
			fmt.Fprintln(cmd.OutOrStdout(), "gitswarm serve: shutting down")
			return nil
		}
		return err
	},
}

func durOrOff(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}

func init() {
	serveCmd.Flags().Duration("stabilize-interval", 5*time.Minute, "How often to run stabilize; 0 disables it")
	serveCmd.Flags().Duration("sync-poll-interval", 30*time.Second, "How often to poll the coordinator for updates; 0 disables it")
	serveCmd.Flags().Duration("sync-flush-interval", 30*time.Second, "How often to flush the offline event queue; 0 disables it")
}
