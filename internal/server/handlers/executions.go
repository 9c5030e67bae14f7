package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/ferry/internal/orchestrator"
	"github.com/dwsmith1983/ferry/internal/provider"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// StartRequest is the body of POST /api/executions. Config, when present,
// replaces the project's pipeline defaults.
type StartRequest struct {
	ProjectID   string                `json:"projectId"`
	ExecutionID string                `json:"executionId,omitempty"`
	Config      *types.PipelineConfig `json:"config,omitempty"`
}

// StartResponse acknowledges a queued execution.
type StartResponse struct {
	ExecutionID string   `json:"executionId"`
	ProjectID   string   `json:"projectId"`
	Jobs        []string `json:"jobs"`
}

// StartExecution queues the six stages of a new execution.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return
		}
		if errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "request body is required", nil)
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid JSON", nil)
		return
	}
	if req.ProjectID == "" {
		h.writeError(w, http.StatusBadRequest, "projectId is required", nil)
		return
	}
	if req.ExecutionID == "" {
		req.ExecutionID = orchestrator.NewExecutionID()
	}
	if req.Config == nil {
		cfg, err := h.orch.ProjectConfig(r.Context(), req.ProjectID)
		if errors.Is(err, provider.ErrNotFound) {
			h.writeError(w, http.StatusBadRequest, "unknown project "+req.ProjectID, nil)
			return
		}
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "failed to load project", err)
			return
		}
		req.Config = &cfg
	}

	jobs, err := h.orch.StartExecution(r.Context(), req.ProjectID, req.ExecutionID, req.Config)
	if err != nil {
		h.writeFailure(w, "failed to start execution", err)
		return
	}
	h.logger.Info("execution requested", "project", req.ProjectID, "execution", req.ExecutionID,
		"requestId", RequestID(r))
	writeJSON(w, http.StatusAccepted, StartResponse{
		ExecutionID: req.ExecutionID,
		ProjectID:   req.ProjectID,
		Jobs:        jobs,
	})
}

// GetExecution returns the aggregated stage state of an execution.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Status(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeFailure(w, "failed to load execution", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CancelExecution removes the execution's jobs that have not started.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	cancelled, err := h.orch.Cancel(r.Context(), id)
	if err != nil {
		h.writeFailure(w, "failed to cancel execution", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": id,
		"cancelled":   nonNil(cancelled),
	})
}

// ListAttachments returns the attachment outcomes of an execution.
func (h *Handlers) ListAttachments(w http.ResponseWriter, r *http.Request) {
	rows, err := h.orch.Attachments(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeFailure(w, "failed to list attachments", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// ListIdentityMappings returns the source-to-target identity rows of an execution.
func (h *Handlers) ListIdentityMappings(w http.ResponseWriter, r *http.Request) {
	rows, err := h.orch.IdentityMappings(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeFailure(w, "failed to list identity mappings", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// ListValidations returns the validation checks of an execution.
func (h *Handlers) ListValidations(w http.ResponseWriter, r *http.Request) {
	rows, err := h.orch.Validations(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeFailure(w, "failed to list validations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// GetReport returns the migration report once the report stage has run.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.orch.Report(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeFailure(w, "failed to load report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
