package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Herd - lifecycle operator for distributed Kafka Connect workers",
	Long: `Herd runs one agent per worker unit and converges the unit to its
declared desired state: peer membership, client credentials, TLS
material and worker configuration. Restarts are serialized across
the cluster through a replicated lock so at most one worker is down
at any time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Herd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(preUpgradeCheckCmd)
}
