package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// LogHandler serves the persisted event log.
type LogHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(st store.Store, logger *slog.Logger) *LogHandler {
	return &LogHandler{store: st, logger: logger}
}

// List handles GET /api/v1/logs?server_id&build_id&max_severity&limit. It
// returns the most recent entries at least as severe as max_severity
// (default TRACE), oldest first.
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LogFilter{Limit: defaultLogLimit}

	var ok bool
	if filter.ServerID, ok = optionalInt64(r, "server_id"); !ok {
		WriteBadRequest(w, r, "Invalid server_id")
		return
	}
	if filter.BuildID, ok = optionalInt64(r, "build_id"); !ok {
		WriteBadRequest(w, r, "Invalid build_id")
		return
	}

	maxSeverity := eventlog.Trace
	if v := q.Get("max_severity"); v != "" {
		sev, err := eventlog.ParseSeverity(v)
		if err != nil {
			WriteBadRequest(w, r, "Invalid max_severity")
			return
		}
		maxSeverity = sev
	}
	filter.Severities = eventlog.AtMost(maxSeverity)

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLogLimit {
			WriteBadRequest(w, r, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	entries, err := h.store.Logs().List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "logs")
		return
	}
	if entries == nil {
		entries = []*models.LogEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"content": entries})
}
