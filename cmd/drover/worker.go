package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/finchley/drover/sandbox"
)

// buildWorkerCmd is the hidden entry point the sandbox runner re-executes
// this binary with, one process per script job.
func buildWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "sandbox-worker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sandbox.WorkerMain(os.Stdin, os.Stdout)
		},
	}
}
