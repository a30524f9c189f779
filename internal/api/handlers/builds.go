package handlers

import (
	"log/slog"
	"net/http"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// BuildHandler handles build-related HTTP requests.
type BuildHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(st store.Store, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{store: st, logger: logger}
}

// List handles GET /api/v1/builds, newest first.
func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	page, apiErr := pageParams(r)
	if apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}
	count, err := h.store.Builds().Count(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err, "builds")
		return
	}
	builds, err := h.store.Builds().List(r.Context(), page)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "builds")
		return
	}
	if builds == nil {
		builds = []*models.Build{}
	}
	WriteJSON(w, http.StatusOK, Page[*models.Build]{Count: count, Limit: page.Limit, Offset: page.Offset, Content: builds})
}

// Get handles GET /api/v1/builds/{id}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		WriteBadRequest(w, r, "Invalid build id")
		return
	}
	build, err := h.store.Builds().Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "build")
		return
	}
	WriteJSON(w, http.StatusOK, build)
}

// Abort handles POST /api/v1/builds/{id}/abort. The scheduler notices the
// aborted build and aborts the rest of its request.
func (h *BuildHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		WriteBadRequest(w, r, "Invalid build id")
		return
	}
	aborted, err := h.store.Builds().Transition(r.Context(), id, models.StateAborted)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "build")
		return
	}
	if !aborted {
		if _, err := h.store.Builds().State(r.Context(), id); err != nil {
			writeStoreError(w, r, h.logger, err, "build")
			return
		}
		WriteConflict(w, r, "Build has already finished")
		return
	}

	h.logger.Info("build aborted", "build_id", id)
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "state": models.StateAborted})
}
