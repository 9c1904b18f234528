package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse - admission control for autonomous agent actions",
	Long: `Gatehouse is an admission control engine that gates the actions of
autonomous agents before they execute.

Every attempted action passes through a fixed pipeline:
  - Kill switches: emergency stops scoped globally, per client, per
    platform, or per action
  - Rate limits: sliding window, fixed window, and token bucket limits
  - Rules: a declarative, priority-ordered rule set with conditions
  - Approvals: human sign-off for actions the rules mark pending

Decisions are allow, deny, or pending, and every decision is audited.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
