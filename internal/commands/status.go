package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/ferry/internal/config"
	"github.com/dwsmith1983/ferry/pkg/types"
)

const statusTimeout = 10 * time.Second

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show the stage status of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), dir, args[0])
		},
	}
	addConfigFlag(cmd, &dir)
	return cmd
}

func runStatus(ctx context.Context, dir, executionID string) error {
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

	stages, err := prov.ListStages(ctx, executionID)
	if err != nil {
		return fmt.Errorf("listing stages: %w", err)
	}
	if len(stages) == 0 {
		return fmt.Errorf("execution %s not found", executionID)
	}
	printStatus(os.Stdout, types.ExecutionStatus{
		ExecutionID: executionID,
		ProjectID:   stages[0].ProjectID,
		Status:      types.AggregateStatus(stages),
		Stages:      stages,
	})
	return nil
}
