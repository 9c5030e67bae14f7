package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/ferry/pkg/types"
)

// ListProjects returns the project catalog with connection secrets masked.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.orch.Projects(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list projects", err)
		return
	}
	out := make([]types.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProject returns a single project with connection secrets masked.
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.Project(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeFailure(w, "failed to load project", err)
		return
	}
	writeJSON(w, http.StatusOK, p.Redacted())
}
