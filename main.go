package main

import (
	"os"

	"tpm/cmd" // Import the cmd package which contains the CLI commands and execution logic
)

// main is the program entry point.
// It delegates to cmd.Execute() which handles command line argument parsing and execution.
//
// This design cleanly separates the CLI interface (cmd package) from main,
// allowing easier testing, extension, and reuse of the CLI commands.
//
// The tpm project is a package manager for Termux that:
//   - Installs third-party command-line tools by downloading prebuilt release
//     assets from GitHub, without requiring root or a system package manager
//   - Keeps every installed version in a per-user store under the Termux
//     prefix and exposes the active binary on PATH via a symlink
//   - Tracks installed tools in a plain-text manifest so runs are idempotent
//     and state survives across invocations
//   - Records a compensating action for every filesystem mutation, so a
//     failed install, update, or remove rolls back to the previous state
//
// Error handling strategy:
//   - Core components surface typed errors upward; the orchestrator converts
//     any mid-transaction failure into a rollback plus a wrapped error
//   - Exit codes distinguish usage errors, rate limiting, network failures,
//     and unsupported architectures so scripts can react to each
func main() {
	os.Exit(cmd.Execute())
}
