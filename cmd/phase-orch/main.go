package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "phase-orch",
		Short: "Phase Orchestrator - Resilient autonomous build runner",
		Long: `Phase Orchestrator drives long-running autonomous build and maintenance
runs phase by phase. It keeps durable run state that survives crashes,
guards the external builder step with a circuit breaker, and applies a
deterministic stuck-handling policy instead of retrying blindly.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
