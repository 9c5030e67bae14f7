package handlers

import (
	"net/http"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// HealthResponse reports state store reachability and queue state.
type HealthResponse struct {
	Status      string           `json:"status"`
	QueuePaused bool             `json:"queuePaused"`
	Queue       types.QueueStats `json:"queue"`
}

// Health answers 200 while the state store is reachable and 503 otherwise.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		QueuePaused: h.orch.Paused(),
		Queue:       h.orch.QueueStats(),
	}
	code := http.StatusOK
	if err := h.provider.Ping(r.Context()); err != nil {
		h.logger.Warn("state store unreachable", "error", err)
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
