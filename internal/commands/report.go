package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/ferry/internal/config"
	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/internal/report"
)

// NewReportCmd creates the report command.
func NewReportCmd() *cobra.Command {
	var dir, out string
	cmd := &cobra.Command{
		Use:   "report [execution-id]",
		Short: "Export an execution's migration report as an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = args[0] + ".xlsx"
			}
			return runReport(cmd.Context(), dir, args[0], out)
		},
	}
	addConfigFlag(cmd, &dir)
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output file (default <execution-id>.xlsx)")
	return cmd
}

func runReport(ctx context.Context, dir, executionID, out string) error {
	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(newLogger(os.Stderr, false, slog.LevelWarn))

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	prov, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = prov.Stop(context.Background()) }()

	if err := exportReport(ctx, prov, executionID, out); err != nil {
		return err
	}
	color.Green("Report for %s written to %s", executionID, out)
	return nil
}

// exportReport writes the workbook for a reported execution to path.
func exportReport(ctx context.Context, prov provider.Provider, executionID, path string) error {
	rep, err := prov.GetReport(ctx, executionID)
	if err != nil {
		return fmt.Errorf("loading report: %w", err)
	}
	attachments, err := prov.ListAttachmentMigrations(ctx, executionID)
	if err != nil {
		return fmt.Errorf("listing attachments: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := report.Write(f, report.Input{Report: *rep, Attachments: attachments}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
