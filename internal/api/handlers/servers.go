package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// ServerHandler lists scheduler and worker registrations.
type ServerHandler struct {
	store   store.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewServerHandler creates a server handler that reports a server as
// offline once its heartbeat is older than timeout.
func NewServerHandler(st store.Store, timeout time.Duration, logger *slog.Logger) *ServerHandler {
	return &ServerHandler{store: st, timeout: timeout, logger: logger}
}

// ServerResponse is a server row with its computed liveness.
type ServerResponse struct {
	*models.Server
	Offline bool `json:"offline"`
}

// List handles GET /api/v1/servers.
func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.Servers().List(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err, "servers")
		return
	}
	now := time.Now()
	out := make([]ServerResponse, 0, len(servers))
	for _, srv := range servers {
		out = append(out, ServerResponse{Server: srv, Offline: srv.IsOffline(now, h.timeout)})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"content": out})
}
