// Package handlers implements HTTP request handlers for the ferry API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dwsmith1983/ferry/internal/orchestrator"
	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/internal/queue"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// Orchestrator is the execution API the handlers serve.
type Orchestrator interface {
	StartExecution(ctx context.Context, projectID, executionID string, cfg *types.PipelineConfig) ([]string, error)
	ProjectConfig(ctx context.Context, projectID string) (types.PipelineConfig, error)
	Status(ctx context.Context, executionID string) (types.ExecutionStatus, error)
	Cancel(ctx context.Context, executionID string) ([]string, error)
	Pause()
	Resume()
	Paused() bool
	QueueStats() types.QueueStats
	Job(jobID string) (types.JobStatus, error)
	Projects(ctx context.Context) ([]types.Project, error)
	Project(ctx context.Context, projectID string) (*types.Project, error)
	Attachments(ctx context.Context, executionID string) ([]types.AttachmentMigration, error)
	IdentityMappings(ctx context.Context, executionID string) ([]types.RecordIdentityMapping, error)
	Validations(ctx context.Context, executionID string) ([]types.DataValidation, error)
	Report(ctx context.Context, executionID string) (*types.MigrationReport, error)
}

// Handlers contains all HTTP handler dependencies.
type Handlers struct {
	orch     Orchestrator
	provider provider.Provider
	logger   *slog.Logger
}

// New creates a new Handlers instance.
func New(orch Orchestrator, prov provider.Provider) *Handlers {
	return &Handlers{
		orch:     orch,
		provider: prov,
		logger:   slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (h *Handlers) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// writeError logs the internal error and returns a sanitized JSON error to the client.
func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err, "status", status)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeFailure maps a domain error onto a status code. Client errors echo
// the error text; server errors only show msg.
func (h *Handlers) writeFailure(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, provider.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), err)
	default:
		h.writeError(w, http.StatusInternalServerError, msg, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
