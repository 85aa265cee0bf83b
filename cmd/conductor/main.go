package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - agent delegation queue",
		Long: `conductor accepts agent-to-agent delegation requests, guards them against
runaway chains and turns them into task documents for the execution watcher.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to the YAML config file")
	addClientFlags(rootCmd)

	// Server side
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newVersionCommand())

	// Client side
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newQueueStatsCommand())
	rootCmd.AddCommand(newSettingsCommand())
	rootCmd.AddCommand(newPulseCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
