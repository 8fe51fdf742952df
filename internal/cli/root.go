package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "gitswarm",
	Short: "gitswarm — coordinate many autonomous agents on one git repo",
	Long: `gitswarm lets a swarm of autonomous agents collaborate on a single git
repository through streams, a shared buffer branch, stabilization, and
promotion, gated by a configurable merge mode and permission policy.

Local state lives under ~/.gitswarm/<repo>/ (SQLite for policy tables, a
JSON file for CLI-local settings); repo-embedded configuration lives in
.gitswarm/repo.yaml and .gitswarm/plugins.yaml inside the working copy.`,
}

func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(stabilizeCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}
