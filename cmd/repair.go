package cmd

import (
	"github.com/spf13/cobra"

	"tpm/internal/logger"
)

// repairCmd recreates broken PATH symlinks and reports store
// inconsistencies.
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Recreate broken symlinks and check store consistency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		repaired, problems, err := o.Repair()
		if err != nil {
			return closeAndReport(o, err)
		}
		logger.Info("[INFO] Repaired %d symlink(s)\n", repaired)
		for _, p := range problems {
			logger.Warn("[WARN] %v\n", p)
		}
		return closeAndReport(o, nil)
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)
}
