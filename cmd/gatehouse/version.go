package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version is the release version, overridden by build flags.
	Version = "0.1.0"
	// GitCommit identifies the commit the binary was built from.
	GitCommit = "unknown"
	// BuildDate is the build timestamp injected at link time.
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the gatehouse version along with build and runtime details.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gatehouse %s\n", Version)
		fmt.Printf("  commit:  %s\n", GitCommit)
		fmt.Printf("  built:   %s\n", BuildDate)
		fmt.Printf("  go:      %s\n", runtime.Version())
		fmt.Printf("  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
