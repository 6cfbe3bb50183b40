package cmd

import (
	"github.com/spf13/cobra"
)

// removeCmd uninstalls a tool: PATH symlink, active store version, and
// manifest entry.
var removeCmd = &cobra.Command{
	Use:     "remove <owner/repo>",
	Aliases: []string{"uninstall"},
	Short:   "Remove an installed tool",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		return closeAndReport(o, o.Remove(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
