package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tpm/internal/orchestrator"
)

// infoCmd prints the manifest record of one installed tool.
var infoCmd = &cobra.Command{
	Use:   "info <owner/repo>",
	Short: "Show details about an installed tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		rec, err := o.Info(args[0])
		if err != nil {
			return err
		}
		fmt.Print(orchestrator.FormatRecord(rec, true))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
