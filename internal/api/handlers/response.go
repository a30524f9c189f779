// Package handlers implements the REST endpoints of the build farm.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/buildfarm/internal/api/errors"
	"github.com/narvanalabs/buildfarm/internal/store"
)

const (
	defaultLimit = 25
	maxLimit     = 100
)

// Page is the envelope of every paginated list.
type Page[T any] struct {
	Count   int `json:"count"`
	Limit   int `json:"limit"`
	Offset  int `json:"offset"`
	Content []T `json:"content"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteError writes err tagged with the request id.
func WriteError(w http.ResponseWriter, r *http.Request, err *apierrors.APIError) {
	apierrors.WriteError(w, err.WithRequestID(chimiddleware.GetReqID(r.Context())))
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, apierrors.NewValidationError(message))
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, apierrors.NewNotFoundError(message))
}

func WriteConflict(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, apierrors.NewConflictError(message))
}

func WriteInternalError(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, apierrors.NewInternalError(message))
}

// writeStoreError maps ErrNotFound to 404 and anything else to 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, what+" not found")
		return
	}
	logger.Error("store error", "error", err, "what", what, "request_id", chimiddleware.GetReqID(r.Context()))
	WriteInternalError(w, r, "Failed to load "+what)
}

// idParam parses a positive int64 URL parameter.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// pageParams reads limit and offset, enforcing 1 <= limit <= 100 and
// offset >= 0.
func pageParams(r *http.Request) (store.Page, *apierrors.APIError) {
	page := store.Page{Limit: defaultLimit}
	var errs apierrors.ValidationErrors

	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			errs.Add("limit", "limit must be between 1 and 100")
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs.Add("offset", "offset must not be negative")
		}
		page.Offset = n
	}
	if errs.HasErrors() {
		return page, errs.ToAPIError()
	}
	return page, nil
}

// optionalInt64 reads an optional integer query parameter.
func optionalInt64(r *http.Request, name string) (*int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return nil, false
	}
	return &n, true
}
