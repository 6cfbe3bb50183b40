package cmd

import (
	"github.com/spf13/cobra"

	"tpm/internal/logger"
)

// cleanupCmd prunes old store versions beyond the configured keep count.
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old versions from the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		removed, err := o.Cleanup()
		if err != nil {
			return closeAndReport(o, err)
		}
		logger.Info("[INFO] Pruned %d old version(s)\n", removed)
		return closeAndReport(o, nil)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
