// Package commands implements the CLI subcommands for the ferry binary.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/ferry/internal/alert"
	"github.com/dwsmith1983/ferry/internal/attachment"
	"github.com/dwsmith1983/ferry/internal/config"
	"github.com/dwsmith1983/ferry/internal/identity"
	"github.com/dwsmith1983/ferry/internal/objectstore"
	"github.com/dwsmith1983/ferry/internal/orchestrator"
	"github.com/dwsmith1983/ferry/internal/provider"
	pgstore "github.com/dwsmith1983/ferry/internal/provider/postgres"
	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/internal/queue/redisstore"
	"github.com/dwsmith1983/ferry/internal/stage"
	"github.com/dwsmith1983/ferry/pkg/types"
)

const sourceHTTPTimeout = 2 * time.Minute

// addConfigFlag registers --config, the directory holding ferry.yaml.
func addConfigFlag(cmd *cobra.Command, dir *string) {
	cmd.Flags().StringVarP(dir, "config", "c", ".", "Directory containing "+config.FileName)
}

// newLogger builds the process logger: JSON for the long-running server,
// text for interactive commands.
func newLogger(w io.Writer, jsonOutput bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newProvider connects to the state store and applies its migrations.
func newProvider(ctx context.Context, cfg *types.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "postgres":
		store, err := pgstore.New(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to Postgres: %w", err)
		}
		if err := store.Start(ctx); err != nil {
			_ = store.Stop(ctx)
			return nil, fmt.Errorf("migrating Postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// newJobStore returns the queue's persistence. The returned close func is never nil.
func newJobStore(cfg *types.Config) (queue.JobStore, func() error) {
	if cfg.Queue == nil || cfg.Queue.Store != "redis" {
		return queue.NewMemoryStore(), func() error { return nil }
	}
	rs := redisstore.New(cfg.Queue.Redis)
	return rs, rs.Close
}

// newObjectStore returns nil when no object store is configured, which
// disables attachment migration.
func newObjectStore(ctx context.Context, cfg *types.Config, logger *slog.Logger) (objectstore.Store, error) {
	if cfg.ObjectStore == nil {
		return nil, nil
	}
	s3, err := objectstore.NewS3(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, err
	}
	if cfg.ObjectStore.CircuitBreaker {
		return objectstore.WithBreaker(s3, 0, 0, logger), nil
	}
	return s3, nil
}

// syncProjects loads the project files, rejects invalid mappings and
// registers the rest in the catalog.
func syncProjects(ctx context.Context, dirs []string, store provider.Provider) ([]types.Project, error) {
	projects, err := config.LoadProjects(dirs)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if err := orchestrator.ValidateProject(p); err != nil {
			return nil, err
		}
		if err := store.RegisterProject(ctx, p); err != nil {
			return nil, fmt.Errorf("registering project %s: %w", p.ID, err)
		}
	}
	return projects, nil
}

// runtime is the fully wired engine shared by serve and run.
type runtime struct {
	cfg     *types.Config
	logger  *slog.Logger
	store   provider.Provider
	queue   *queue.Queue
	orch    *orchestrator.Orchestrator
	alerts  *alert.Dispatcher
	closers []func(context.Context)
}

func buildRuntime(ctx context.Context, cfg *types.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.close(context.Background())
		}
	}()

	store, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, func(ctx context.Context) { _ = store.Stop(ctx) })

	projects, err := syncProjects(ctx, cfg.ProjectDirs, store)
	if err != nil {
		return nil, err
	}
	logger.Info("project catalog loaded", "projects", len(projects))

	objects, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating object store: %w", err)
	}
	rt.alerts, err = alert.NewDispatcher(cfg.Alerts, objects, logger)
	if err != nil {
		return nil, fmt.Errorf("creating alert dispatcher: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) { _ = rt.alerts.Close() })

	deps := stage.Deps{
		Store:      store,
		OpenSource: stage.DefaultSourceOpener(&http.Client{Timeout: sourceHTTPTimeout}),
		OpenTarget: stage.DefaultTargetOpener(logger),
		Mapper:     identity.New(store, identity.WithLogger(logger)),
		Logger:     logger,
	}
	if objects != nil {
		var opts []attachment.Option
		if a := cfg.Attachments; a != nil {
			opts = append(opts, attachment.WithConcurrency(a.Concurrency), attachment.WithMaxRetries(a.MaxRetries))
		}
		deps.Attachments = attachment.New(store, objects, append(opts, attachment.WithLogger(logger))...)
	} else {
		logger.Warn("no object store configured, document attachments will not be migrated")
	}

	runner := orchestrator.NewRunner(store, stage.NewRegistry(deps),
		orchestrator.WithAlerts(rt.alerts.AlertFunc()),
		orchestrator.WithRunnerLogger(logger))

	jobStore, closeJobs := newJobStore(cfg)
	rt.closers = append(rt.closers, func(context.Context) { _ = closeJobs() })
	qopts := []queue.Option{queue.WithStore(jobStore), queue.WithLogger(logger)}
	if q := cfg.Queue; q != nil {
		if q.Concurrency > 0 {
			qopts = append(qopts, queue.WithConcurrency(q.Concurrency))
		}
		if q.RateLimit != nil {
			qopts = append(qopts, queue.WithRateLimit(q.RateLimit.Max, config.RateWindow(q)))
		}
	}
	rt.queue = queue.New(runner.Handle, qopts...)
	rt.orch = orchestrator.New(store, rt.queue, logger)
	return rt, nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i](ctx)
	}
	rt.closers = nil
}

func statusColor(s types.StageStatus) func(format string, a ...interface{}) string {
	switch s {
	case types.StageCompleted:
		return color.GreenString
	case types.StageFailed:
		return color.RedString
	case types.StageRunning:
		return color.CyanString
	default:
		return color.YellowString
	}
}

// printStatus renders an execution's stage table.
func printStatus(w io.Writer, st types.ExecutionStatus) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "Execution %s (project %s): %s\n", st.ExecutionID, st.ProjectID,
		statusColor(st.Status)("%s", st.Status))
	for _, s := range st.Stages {
		line := fmt.Sprintf("  %-16s %-10s attempts=%d processed=%d failed=%d",
			s.StageName, statusColor(s.Status)("%s", s.Status), s.Attempts, s.RecordsProcessed, s.RecordsFailed)
		if s.DurationMs > 0 {
			line += fmt.Sprintf(" duration=%s", time.Duration(s.DurationMs)*time.Millisecond)
		}
		_, _ = fmt.Fprintln(w, line)
		if s.ErrorMessage != "" {
			_, _ = fmt.Fprintf(w, "    %s\n", color.RedString(s.ErrorMessage))
		}
	}
}
