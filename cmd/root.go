package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"tpm/internal/config"
	"tpm/internal/logger"
	"tpm/internal/orchestrator"
	"tpm/internal/tpmerr"
)

// Global flags, toggled via the command line before any subcommand runs.
var (
	debug   bool
	verbose bool
	force   bool
)

// cfg holds the resolved configuration for the current invocation. It is
// populated once in PersistentPreRunE and read-only afterwards.
var cfg config.Config

// rootCmd is the base command for the CLI tool `tpm`.
// It sets up the root-level CLI structure and provides global flags.
var rootCmd = &cobra.Command{
	Use:           "tpm",
	Short:         "Termux package manager for GitHub-released CLI tools",
	SilenceUsage:  true,
	SilenceErrors: true,

	// PersistentPreRunE is a hook that runs before any subcommand.
	// Here, we resolve the configuration and initialize the logger.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger.Init(debug, verbose, cfg.Color)
		return nil
	},
}

// newOrchestrator wires up the core for one command invocation and installs
// the signal handler so an interrupted transaction rolls back.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(cfg)
	if err != nil {
		return nil, err
	}
	o.HandleSignals()
	return o, nil
}

// closeAndReport runs the termination housekeeping, folding a save failure
// into the command error when the command itself succeeded.
func closeAndReport(o *orchestrator.Orchestrator, cmdErr error) error {
	if err := o.Close(); err != nil && cmdErr == nil {
		return err
	}
	return cmdErr
}

// Execute runs the selected command, logs any error, and returns the
// process exit code. Flags and subcommands are registered by init functions.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	logger.Error("[ERROR] %s\n", err)

	var te *tpmerr.Error
	if !errors.As(err, &te) {
		// Anything untyped at this level is a cobra parse failure.
		return 2
	}
	if te.Kind == tpmerr.KindTransactionAborted {
		if te.FailedSteps > 0 {
			logger.Warn("[WARN] Rollback completed with %d failed step(s)\n", te.FailedSteps)
		} else {
			logger.Info("[INFO] All changes rolled back\n")
		}
	}
	return tpmerr.ExitCode(err)
}

// init sets up global flags. Subcommands register themselves in their own
// init functions.
func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&force, "force", "f", false, "Force the operation")
}
