package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/rookery/pkg/errdefs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// serverAddr is the node every client command talks to.
var serverAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto shell exit codes: 1 for caller
// mistakes, 2 for operational failures.
func exitCode(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindInvalidInput, errdefs.KindNotFound:
		return 1
	default:
		return 2
	}
}

var rootCmd = &cobra.Command{
	Use:   "rookery",
	Short: "Rookery - multi-agent task orchestrator",
	Long: `Rookery coordinates fleets of worker agents: it tracks task
dependencies, assigns work with capability-aware scheduling and work
stealing, fences misbehaving agents behind circuit breakers, and moves
messages between agents with configurable delivery guarantees.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Rookery version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr",
		envOr("ROOKERY_ADDR", "127.0.0.1:7420"), "Address of the rookery node")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(busCmd)
	rootCmd.AddCommand(toolCmd)
	rootCmd.AddCommand(keygenCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
