package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tpm/internal/orchestrator"
)

// listCmd enumerates the installed tools from the manifest.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		records := o.List()
		if len(records) == 0 {
			fmt.Println("No tools installed")
			return nil
		}
		for _, rec := range records {
			fmt.Print(orchestrator.FormatRecord(rec, verbose))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
