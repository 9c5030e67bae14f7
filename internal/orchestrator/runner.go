package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dwsmith1983/ferry/internal/lifecycle"
	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/internal/stage"
	"github.com/dwsmith1983/ferry/pkg/types"
)

const instrumentation = "github.com/dwsmith1983/ferry/internal/orchestrator"

// Runner executes queued stage jobs and keeps their stage rows current.
type Runner struct {
	store    provider.Provider
	registry stage.Registry
	alert    func(context.Context, types.Alert)
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAlerts sets the callback for terminal failures and finished reports.
func WithAlerts(fn func(context.Context, types.Alert)) RunnerOption {
	return func(r *Runner) { r.alert = fn }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner dispatching to registry.
func NewRunner(store provider.Provider, registry stage.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		registry: registry,
		alert:    func(context.Context, types.Alert) {},
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentation),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	meter := otel.Meter(instrumentation)
	r.runs, _ = meter.Int64Counter("ferry.stage.runs", metric.WithDescription("Stage runs by stage and outcome"))
	r.duration, _ = meter.Float64Histogram("ferry.stage.duration", metric.WithUnit("ms"))
	return r
}

// Handle is the queue handler. A returned error makes the queue retry the
// job until its attempts run out.
func (r *Runner) Handle(ctx context.Context, job queue.Job) error {
	log := r.logger.With("execution", job.ExecutionID, "stage", job.StageID, "attempt", job.AttemptsMade)

	st, err := r.store.GetStage(ctx, job.ExecutionID, job.StageID)
	if errors.Is(err, provider.ErrNotFound) {
		return queue.Unrecoverable(err)
	}
	if err != nil {
		return fmt.Errorf("loading stage row: %w", err)
	}
	if st.Status == types.StageCompleted {
		log.Info("stage already completed, skipping")
		return nil
	}
	if st.Status != types.StageRunning {
		if err := lifecycle.Transition(st.Status, types.StageRunning); err != nil {
			return queue.Unrecoverable(err)
		}
	}

	executor, err := r.registry.Get(job.StageID)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	start := r.now().UTC()
	st.Status = types.StageRunning
	st.StartTime = &start
	st.EndTime = nil
	st.ErrorMessage = ""
	st.Attempts++
	st.UpdatedAt = start
	if err := r.store.UpdateStage(ctx, *st); err != nil {
		return fmt.Errorf("marking stage running: %w", err)
	}
	log.Info("stage started")

	ctx, span := r.tracer.Start(ctx, "stage "+string(job.StageID), trace.WithAttributes(
		attribute.String("ferry.project", job.ProjectID),
		attribute.String("ferry.execution", job.ExecutionID),
		attribute.String("ferry.stage", string(job.StageID)),
		attribute.Int("ferry.attempt", job.AttemptsMade),
	))
	defer span.End()

	res, runErr := r.execute(ctx, executor, job)
	if runErr == nil && !res.Success {
		runErr = errors.New(res.Error)
		if res.Error == "" {
			runErr = errors.New("stage reported failure")
		}
	}

	end := r.now().UTC()
	st.EndTime = &end
	st.DurationMs = end.Sub(start).Milliseconds()
	st.RecordsProcessed = res.RecordsProcessed
	st.RecordsFailed = res.RecordsFailed
	st.Metadata = res.Metadata
	st.UpdatedAt = end
	metrics.StageDurationMsTotal.Add(st.DurationMs)

	if runErr == nil {
		return r.complete(ctx, log, span, st)
	}
	return r.fail(ctx, log, span, job, st, runErr)
}

func (r *Runner) execute(ctx context.Context, ex stage.StageExecutor, job queue.Job) (res types.StageResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", job.StageID, p)
		}
	}()
	return ex.Execute(ctx, job.ProjectID, job.ExecutionID, job.Config)
}

func (r *Runner) complete(ctx context.Context, log *slog.Logger, span trace.Span, st *types.ExecutionStage) error {
	st.Status = types.StageCompleted
	if err := r.store.UpdateStage(ctx, *st); err != nil {
		span.RecordError(err)
		return fmt.Errorf("marking stage completed: %w", err)
	}
	metrics.StagesCompleted.Add(1)
	r.record(ctx, st, "completed")
	span.SetStatus(codes.Ok, "")
	log.Info("stage completed", "durationMs", st.DurationMs, "records", st.RecordsProcessed, "failed", st.RecordsFailed)

	if st.StageID == types.StageReport {
		r.alert(ctx, types.Alert{
			Level:       types.AlertLevelInfo,
			ProjectID:   st.ProjectID,
			ExecutionID: st.ExecutionID,
			StageID:     st.StageID,
			Message:     fmt.Sprintf("migration %s finished", st.ExecutionID),
			Details:     st.Metadata,
			Timestamp:   r.now().UTC(),
		})
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, span trace.Span, job queue.Job, st *types.ExecutionStage, runErr error) error {
	final := job.FinalAttempt() || queue.IsUnrecoverable(runErr)
	st.ErrorMessage = runErr.Error()
	st.Status = types.StagePending
	if final {
		st.Status = types.StageFailed
	}
	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	if err := r.store.UpdateStage(ctx, *st); err != nil {
		log.Error("recording stage failure failed", "error", err)
	}
	if !final {
		r.record(ctx, st, "retry")
		log.Warn("stage attempt failed, retry scheduled", "error", runErr)
		return runErr
	}

	metrics.StagesFailed.Add(1)
	r.record(ctx, st, "failed")
	log.Error("stage failed", "error", runErr, "attempts", st.Attempts)
	r.alert(ctx, types.Alert{
		Level:       types.AlertLevelError,
		ProjectID:   st.ProjectID,
		ExecutionID: st.ExecutionID,
		StageID:     st.StageID,
		Message:     fmt.Sprintf("stage %s failed after %d attempt(s): %v", st.StageName, st.Attempts, runErr),
		Timestamp:   r.now().UTC(),
	})
	return runErr
}

func (r *Runner) record(ctx context.Context, st *types.ExecutionStage, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("stage", string(st.StageID)),
		attribute.String("outcome", outcome),
	)
	if r.runs != nil {
		r.runs.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(st.DurationMs), attrs)
	}
}
