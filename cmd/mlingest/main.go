// Package main provides the mlingest CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit status: 0 on success,
// 2 when records were dropped and 1 for everything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mlingest",
		Short: "Ingest ML training datasets into a database",
		Long: `mlingest reads CSV, JSON or annotated image datasets, validates every
record against a declared schema, writes them to Postgres in batches and
reports the dataset metadata to the platform API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newMigrateCmd(),
	)
	return rootCmd
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}
