package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/ferry/internal/config"
	"github.com/dwsmith1983/ferry/internal/orchestrator"
	"github.com/dwsmith1983/ferry/pkg/types"
)

const runPollInterval = time.Second

type runOptions struct {
	dir           string
	executionID   string
	errorHandling string
	loadStrategy  string
	parallelism   int
	verbose       bool
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [project-id]",
		Short: "Run a migration in-process and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), args[0], opts)
		},
	}
	addConfigFlag(cmd, &opts.dir)
	cmd.Flags().StringVar(&opts.executionID, "execution-id", "", "Execution id (generated when empty; reuse to resume)")
	cmd.Flags().StringVar(&opts.errorHandling, "error-handling", "", "Override errorHandling: fail-fast or continue-on-error")
	cmd.Flags().StringVar(&opts.loadStrategy, "load-strategy", "", "Override loadStrategy: truncate-load, merge or append")
	cmd.Flags().IntVar(&opts.parallelism, "parallelism", 0, "Override parallelism")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	return cmd
}

// applyOverrides lays command-line settings over the project's pipeline config.
func applyOverrides(cfg types.PipelineConfig, opts runOptions) types.PipelineConfig {
	if opts.errorHandling != "" {
		cfg.ErrorHandling = types.ErrorHandling(opts.errorHandling)
	}
	if opts.loadStrategy != "" {
		cfg.LoadStrategy = types.LoadStrategy(opts.loadStrategy)
	}
	if opts.parallelism > 0 {
		cfg.Parallelism = opts.parallelism
	}
	return cfg
}

func runMigration(ctx context.Context, projectID string, opts runOptions) error {
	cfg, err := config.Load(opts.dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(os.Stderr, false, level)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())
	if err := rt.queue.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = rt.queue.Stop(stopCtx)
	}()

	pipeline, err := rt.orch.ProjectConfig(ctx, projectID)
	if err != nil {
		return err
	}
	pipeline = applyOverrides(pipeline, opts)
	executionID := opts.executionID
	if executionID == "" {
		executionID = orchestrator.NewExecutionID()
	}
	if _, err := rt.orch.StartExecution(ctx, projectID, executionID, &pipeline); err != nil {
		return err
	}
	color.Cyan("Started execution %s of project %s", executionID, projectID)

	st, err := waitForExecution(ctx, rt.orch, executionID, runPollInterval, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Println()
	printStatus(os.Stdout, st)
	if st.Status == types.StageFailed {
		return fmt.Errorf("execution %s failed", executionID)
	}
	return nil
}

type statusSource interface {
	Status(ctx context.Context, executionID string) (types.ExecutionStatus, error)
}

// waitForExecution polls until the execution completes or fails, printing
// each stage transition once.
func waitForExecution(ctx context.Context, src statusSource, executionID string, every time.Duration, w io.Writer) (types.ExecutionStatus, error) {
	seen := map[types.StageID]types.StageStatus{}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := src.Status(ctx, executionID)
		if err != nil {
			return st, err
		}
		for _, s := range st.Stages {
			if seen[s.StageID] != s.Status && s.Status != types.StagePending {
				_, _ = fmt.Fprintf(w, "  %-16s %s\n", s.StageName, statusColor(s.Status)("%s", s.Status))
			}
			seen[s.StageID] = s.Status
		}
		if st.Status == types.StageCompleted || st.Status == types.StageFailed {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
