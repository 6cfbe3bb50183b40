package cmd

import (
	"github.com/spf13/cobra"
)

// installCmd installs the latest release of one tool.
var installCmd = &cobra.Command{
	Use:   "install <owner/repo>",
	Short: "Install the latest release of a tool from GitHub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		return closeAndReport(o, o.Install(args[0], force))
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
