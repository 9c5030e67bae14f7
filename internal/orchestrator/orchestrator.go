// Package orchestrator starts and supervises migration executions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// ErrInvalidRequest is returned for requests rejected before anything is queued.
var ErrInvalidRequest = errors.New("invalid request")

// JobQueue is the queue the orchestrator submits stage jobs to.
type JobQueue interface {
	EnqueuePipeline(ctx context.Context, projectID, executionID string, cfg types.PipelineConfig) ([]string, error)
	Cancel(ctx context.Context, jobID string) error
	Pause()
	Resume()
	Paused() bool
	Stats() types.QueueStats
	Status(jobID string) (types.JobStatus, error)
}

// Orchestrator creates executions and exposes their state.
type Orchestrator struct {
	store  provider.Provider
	queue  JobQueue
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(store provider.Provider, q JobQueue, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, queue: q, logger: logger}
}

// NewExecutionID returns a fresh, time-ordered execution id.
func NewExecutionID() string {
	return strings.ToLower(ulid.Make().String())
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// ProjectConfig returns a project's default pipeline configuration.
func (o *Orchestrator) ProjectConfig(ctx context.Context, projectID string) (types.PipelineConfig, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return types.PipelineConfig{}, fmt.Errorf("loading project %q: %w", projectID, err)
	}
	return p.Pipeline.WithDefaults(), nil
}

// StartExecution validates the request, creates the six pending stage rows
// and queues the pipeline. Starting an execution that already exists is a
// no-op apart from re-queueing stages whose jobs failed.
func (o *Orchestrator) StartExecution(ctx context.Context, projectID, executionID string, cfg *types.PipelineConfig) ([]string, error) {
	switch {
	case projectID == "":
		return nil, invalid("project id is required")
	case executionID == "":
		return nil, invalid("execution id is required")
	case cfg == nil:
		return nil, invalid("pipeline config is required")
	}
	if err := ValidateConfig(*cfg); err != nil {
		return nil, err
	}
	resolved := cfg.WithDefaults()

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, invalid("unknown project %q", projectID)
		}
		return nil, fmt.Errorf("loading project %q: %w", projectID, err)
	}
	if err := ValidateProject(*p); err != nil {
		return nil, err
	}

	existing, err := o.store.ListStages(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing stages of %s: %w", executionID, err)
	}
	if len(existing) > 0 && existing[0].ProjectID != projectID {
		return nil, invalid("execution %s belongs to project %s", executionID, existing[0].ProjectID)
	}

	created := 0
	for _, id := range types.Stages {
		ok, err := o.store.CreateStage(ctx, types.NewExecutionStage(projectID, executionID, id))
		if err != nil {
			return nil, fmt.Errorf("creating stage %s of %s: %w", id, executionID, err)
		}
		if ok {
			created++
		}
	}

	jobs, err := o.queue.EnqueuePipeline(ctx, projectID, executionID, resolved)
	if err != nil {
		return jobs, fmt.Errorf("queueing %s: %w", executionID, err)
	}
	if created > 0 {
		metrics.ExecutionsStarted.Add(1)
	}
	o.logger.Info("execution started", "project", projectID, "execution", executionID,
		"newStages", created, "errorHandling", resolved.ErrorHandling, "loadStrategy", resolved.LoadStrategy)
	return jobs, nil
}

// Status aggregates the stage rows of an execution.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (types.ExecutionStatus, error) {
	stages, err := o.store.ListStages(ctx, executionID)
	if err != nil {
		return types.ExecutionStatus{}, fmt.Errorf("listing stages of %s: %w", executionID, err)
	}
	if len(stages) == 0 {
		return types.ExecutionStatus{}, fmt.Errorf("execution %s: %w", executionID, provider.ErrNotFound)
	}
	return types.ExecutionStatus{
		ExecutionID: executionID,
		ProjectID:   stages[0].ProjectID,
		Status:      types.AggregateStatus(stages),
		Stages:      stages,
	}, nil
}

// Cancel removes the execution's jobs that have not started yet and returns
// their ids. Running and finished jobs are left alone.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) ([]string, error) {
	if executionID == "" {
		return nil, invalid("execution id is required")
	}
	jobIDs := make([]string, len(types.Stages))
	queued := make(map[string]bool, len(types.Stages))
	for i, id := range types.Stages {
		jobIDs[i] = queue.JobID(executionID, id)
		if st, err := o.queue.Status(jobIDs[i]); err == nil {
			queued[jobIDs[i]] = st.State == types.JobWaiting || st.State == types.JobDelayed
		}
	}
	for _, jobID := range jobIDs {
		err := o.queue.Cancel(ctx, jobID)
		if err != nil && !errors.Is(err, queue.ErrJobNotFound) && !errors.Is(err, queue.ErrJobActive) {
			return nil, err
		}
	}
	var cancelled []string
	for _, jobID := range jobIDs {
		if !queued[jobID] {
			continue
		}
		if _, err := o.queue.Status(jobID); errors.Is(err, queue.ErrJobNotFound) {
			cancelled = append(cancelled, jobID)
		}
	}
	o.logger.Info("execution cancelled", "execution", executionID, "jobs", len(cancelled))
	return cancelled, nil
}

// Pause stops workers from taking new jobs. The queue is shared, so this
// pauses every execution.
func (o *Orchestrator) Pause() { o.queue.Pause() }

// Resume lets workers take jobs again.
func (o *Orchestrator) Resume() { o.queue.Resume() }

// Paused reports whether the queue is paused.
func (o *Orchestrator) Paused() bool { return o.queue.Paused() }

// QueueStats returns the job counts per state.
func (o *Orchestrator) QueueStats() types.QueueStats { return o.queue.Stats() }

// Job returns the state of one stage job.
func (o *Orchestrator) Job(jobID string) (types.JobStatus, error) { return o.queue.Status(jobID) }

// Projects lists the registered projects.
func (o *Orchestrator) Projects(ctx context.Context) ([]types.Project, error) {
	return o.store.ListProjects(ctx)
}

// Project returns one registered project.
func (o *Orchestrator) Project(ctx context.Context, projectID string) (*types.Project, error) {
	return o.store.GetProject(ctx, projectID)
}

// Attachments lists the attachment outcomes of an execution.
func (o *Orchestrator) Attachments(ctx context.Context, executionID string) ([]types.AttachmentMigration, error) {
	return o.store.ListAttachmentMigrations(ctx, executionID)
}

// IdentityMappings lists the identity mappings of an execution.
func (o *Orchestrator) IdentityMappings(ctx context.Context, executionID string) ([]types.RecordIdentityMapping, error) {
	return o.store.ListIdentityMappings(ctx, executionID)
}

// Validations lists the validation results of an execution.
func (o *Orchestrator) Validations(ctx context.Context, executionID string) ([]types.DataValidation, error) {
	return o.store.ListValidations(ctx, executionID)
}

// Report returns the report of a finished execution.
func (o *Orchestrator) Report(ctx context.Context, executionID string) (*types.MigrationReport, error) {
	return o.store.GetReport(ctx, executionID)
}
