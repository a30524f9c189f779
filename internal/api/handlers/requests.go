package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/buildfarm/internal/api/errors"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// RequestHandler handles integration and build requests.
type RequestHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewRequestHandler creates a new request handler.
func NewRequestHandler(st store.Store, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{store: st, logger: logger}
}

// CreateRequest is the body of POST /api/v1/requests.
type CreateRequest struct {
	Project      string `json:"project"`
	Integration  bool   `json:"integration"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch,omitempty"`
}

// Create handles POST /api/v1/requests. The request starts REQUESTED and is
// picked up by the scheduler.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	var errs apierrors.ValidationErrors
	if body.Project == "" {
		errs.Add("project", "project is required")
	}
	if body.SourceBranch == "" {
		errs.Add("source_branch", "source_branch is required")
	}
	if body.Integration && body.TargetBranch == "" {
		errs.Add("target_branch", "target_branch is required for integration requests")
	}
	if !body.Integration && body.TargetBranch != "" {
		errs.Add("target_branch", "target_branch is only allowed for integration requests")
	}
	if errs.HasErrors() {
		WriteError(w, r, errs.ToAPIError())
		return
	}

	project, err := h.store.Projects().GetByName(r.Context(), body.Project)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, r, apierrors.NewValidationError("unknown project").WithDetails(map[string]any{"project": body.Project}))
		return
	}
	if err != nil {
		writeStoreError(w, r, h.logger, err, "project")
		return
	}

	req := &models.Request{
		ProjectID:    project.ID,
		Integration:  body.Integration,
		SourceBranch: body.SourceBranch,
		TargetBranch: body.TargetBranch,
	}
	if err := h.store.Requests().Create(r.Context(), req); err != nil {
		h.logger.Error("failed to create request", "error", err, "project", project.Name)
		WriteInternalError(w, r, "Failed to create request")
		return
	}

	h.logger.Info("request created", "request_id", req.ID, "project", project.Name, "integration", req.Integration)
	WriteJSON(w, http.StatusCreated, req)
}

// List handles GET /api/v1/requests, newest first.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	page, apiErr := pageParams(r)
	if apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}
	count, err := h.store.Requests().Count(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err, "requests")
		return
	}
	requests, err := h.store.Requests().List(r.Context(), page)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "requests")
		return
	}
	if requests == nil {
		requests = []*models.Request{}
	}
	WriteJSON(w, http.StatusOK, Page[*models.Request]{Count: count, Limit: page.Limit, Offset: page.Offset, Content: requests})
}

// Get handles GET /api/v1/requests/{id}. The response carries the request's
// builds.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		WriteBadRequest(w, r, "Invalid request id")
		return
	}
	req, err := h.store.Requests().Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "request")
		return
	}
	builds, err := h.store.Builds().ListByRequest(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "builds")
		return
	}
	if builds == nil {
		builds = []*models.Build{}
	}
	WriteJSON(w, http.StatusOK, struct {
		*models.Request
		Builds []*models.Build `json:"builds"`
	}{req, builds})
}

// Abort handles POST /api/v1/requests/{id}/abort. The request and its open
// builds become ABORTED together; workers notice on their next tick.
func (h *RequestHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		WriteBadRequest(w, r, "Invalid request id")
		return
	}

	aborted, err := store.AbortRequest(r.Context(), h.store, id)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "request")
		return
	}
	if !aborted {
		WriteConflict(w, r, "Request has already finished")
		return
	}

	h.logger.Info("request aborted", "request_id", id)
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "state": models.StateAborted})
}
