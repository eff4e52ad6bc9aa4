package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tepmonitor",
	Short: "Real-time Tennessee Eastman Process monitor",
}

// Execute runs the root command, exiting the process with a non-zero
// status on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML config overlay file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(configCmd)
}
