package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tepmonitor/internal/detector"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Baseline artifact utilities",
}

var baselineValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load and validate a baseline artifact without starting the monitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := detector.LoadBaseline(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("baseline OK: %d features, %d components, threshold_t2=%.4f\n", model.F(), model.P(), model.ThresholdT2)
		return nil
	},
}

func init() {
	baselineCmd.AddCommand(baselineValidateCmd)
}
