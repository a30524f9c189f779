package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/buildfarm/internal/store"
)

// ProjectHandler serves the read-only project catalogue.
type ProjectHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(st store.Store, logger *slog.Logger) *ProjectHandler {
	return &ProjectHandler{store: st, logger: logger}
}

// List handles GET /api/v1/projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.Projects().List(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err, "projects")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"content": projects})
}

// Get handles GET /api/v1/projects/{name}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.Projects().GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, r, h.logger, err, "project")
		return
	}
	WriteJSON(w, http.StatusOK, project)
}
