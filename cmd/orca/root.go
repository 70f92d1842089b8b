package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orca",
	Short: "Hierarchical agent orchestration",
	Long: `Orca drives a controller agent that breaks an objective into tasks
and delegates them to explorer and coder subagents working in a shared
sandbox.

Subagents report back distilled knowledge which is kept in a context store
and handed to later tasks by reference. The controller never acts on the
sandbox itself.

Run state is persisted to .orca/state.db so finished and interrupted runs
can be inspected with 'orca status'.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
