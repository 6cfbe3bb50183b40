package cmd

import (
	"github.com/spf13/cobra"

	"tpm/internal/tpmerr"
)

// updateAll selects every installed tool instead of a single one.
var updateAll bool

// updateCmd brings one tool (or all of them) to the latest release.
var updateCmd = &cobra.Command{
	Use:   "update [owner/repo]",
	Short: "Update an installed tool to the latest release",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		if updateAll {
			return closeAndReport(o, o.UpdateAll())
		}
		if len(args) != 1 {
			return tpmerr.Usagef("update needs a tool id or --all")
		}
		return closeAndReport(o, o.Update(args[0]))
	},
}

func init() {
	updateCmd.Flags().BoolVar(&updateAll, "all", false, "Update every installed tool")
	rootCmd.AddCommand(updateCmd)
}
