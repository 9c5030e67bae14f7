package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// PauseQueue stops workers from picking up new jobs.
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.orch.Pause()
	h.logger.Info("queue paused", "requestId", RequestID(r))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeQueue lets workers pick up jobs again.
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.orch.Resume()
	h.logger.Info("queue resumed", "requestId", RequestID(r))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// QueueStats returns job counts per state.
func (h *Handlers) QueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.QueueStats())
}

// GetJob returns the state of one stage job.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeFailure(w, "failed to load job", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
