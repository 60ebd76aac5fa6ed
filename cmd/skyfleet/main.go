package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyfleet-io/skyfleet/cmd/skyfleet/commands"
)

var rootCmd = &cobra.Command{
	Use:   "skyfleet",
	Short: "skyfleet - multi-tenant social account orchestration backend",
	Long: `skyfleet drives fleets of authenticated social accounts through
durable, per-tenant job queues: bulk post publication, paced engagement
runs, and chat dispatch, with live event fan-out to subscribers.

Examples:
  skyfleet serve                  # Start the orchestrator
  skyfleet serve --config my.toml # Start with an explicit config file
  skyfleet version                # Print version information`,
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
