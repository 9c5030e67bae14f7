package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/ferry/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "ferry",
		Short: "Staged data migration engine",
		Long: `Ferry moves a legacy relational or document database into a dimensional
target schema. Every execution runs six stages in order (extract, transform,
load dimensions, load facts, validate, report) through a retrying job queue,
and records each stage's outcome so a failed execution can be resumed.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		commands.NewInitCmd(),
		commands.NewCheckCmd(),
		commands.NewRunCmd(),
		commands.NewStatusCmd(),
		commands.NewReportCmd(),
		commands.NewServeCmd(version),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
