package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildfarm/internal/api/signing"
	"github.com/narvanalabs/buildfarm/internal/artifacts"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// timeoutNote ends a live stream that stopped receiving output.
const timeoutNote = "\nTimeout!"

// ArtifactHandler serves build.log and collected output files, following
// them while the build is still running.
type ArtifactHandler struct {
	store     store.Store
	artifacts *artifacts.Store
	signer    *signing.Signer
	follow    artifacts.FollowOptions
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewArtifactHandler creates a new artifact handler.
func NewArtifactHandler(st store.Store, arts *artifacts.Store, signer *signing.Signer, logger *slog.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		store:     st,
		artifacts: arts,
		signer:    signer,
		follow: artifacts.FollowOptions{
			PollInterval: artifacts.DefaultPollInterval,
			IdleTimeout:  artifacts.DefaultIdleTimeout,
		},
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetFollowTimings overrides how often a live artifact is polled and how
// long it may stay silent.
func (h *ArtifactHandler) SetFollowTimings(poll, idle time.Duration) {
	h.follow.PollInterval = poll
	h.follow.IdleTimeout = idle
}

// List handles GET /api/v1/builds/{id}/artifacts.
func (h *ArtifactHandler) List(w http.ResponseWriter, r *http.Request) {
	build, ok := h.build(w, r)
	if !ok {
		return
	}
	names, err := h.artifacts.List(build.ID)
	if err != nil {
		h.logger.Error("failed to list artifacts", "error", err, "build_id", build.ID)
		WriteInternalError(w, r, "Failed to list artifacts")
		return
	}
	if names == nil {
		names = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"content": names})
}

// Get handles GET /api/v1/builds/{id}/artifacts/{item}. A finished build's
// artifact is served as a file; a running build's artifact is streamed as
// it grows until the build stops or nothing is written for the idle
// timeout.
func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	build, ok := h.build(w, r)
	if !ok {
		return
	}
	item := chi.URLParam(r, "item")
	f, ok := h.open(w, r, build.ID, item)
	if !ok {
		return
	}
	defer f.Close()

	if build.State != models.StateBuilding {
		serveFile(w, r, f, item)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	err := artifacts.Follow(r.Context(), f, h.followOptions(build.ID), func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	switch {
	case errors.Is(err, artifacts.ErrIdle):
		fmt.Fprint(w, timeoutNote)
	case err != nil && r.Context().Err() == nil:
		h.logger.Warn("artifact stream ended", "error", err, "build_id", build.ID, "item", item)
	}
}

// Tail handles GET /api/v1/builds/{id}/artifacts/{item}/ws, sending the
// artifact as text messages over a websocket. The server closes the socket
// with a normal closure once the build stops, or with a timeout message
// after the idle timeout.
func (h *ArtifactHandler) Tail(w http.ResponseWriter, r *http.Request) {
	build, ok := h.build(w, r)
	if !ok {
		return
	}
	item := chi.URLParam(r, "item")
	f, ok := h.open(w, r, build.ID, item)
	if !ok {
		return
	}
	defer f.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	// The reader notices the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	opts := h.followOptions(build.ID)
	if build.State != models.StateBuilding {
		opts.Active = nil
	}
	err = artifacts.Follow(ctx, f, opts, func(chunk []byte) error {
		return conn.WriteMessage(websocket.TextMessage, chunk)
	})

	reason := ""
	if errors.Is(err, artifacts.ErrIdle) {
		reason = "timeout"
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}

// PublicURLResponse is the body of the public-url endpoint.
type PublicURLResponse struct {
	URL string `json:"url"`
	TTL int    `json:"ttl"`
}

// PublicURL handles GET /api/v1/builds/{id}/artifacts/{item}/public-url. It
// signs a short-lived link that downloads the artifact without further
// authentication. Artifacts of running builds cannot be shared.
func (h *ArtifactHandler) PublicURL(w http.ResponseWriter, r *http.Request) {
	build, ok := h.build(w, r)
	if !ok {
		return
	}
	item := chi.URLParam(r, "item")
	if build.State == models.StateBuilding {
		WriteNotFound(w, r, "Artifact is still being written")
		return
	}
	f, ok := h.open(w, r, build.ID, item)
	if !ok {
		return
	}
	f.Close()

	token, err := h.signer.Sign(build.ID, item)
	if err != nil {
		h.logger.Error("failed to sign artifact url", "error", err, "build_id", build.ID)
		WriteInternalError(w, r, "Failed to sign URL")
		return
	}
	WriteJSON(w, http.StatusOK, PublicURLResponse{
		URL: baseURL(r) + "/api/v1/public/" + token,
		TTL: int(h.signer.TTL().Seconds()),
	})
}

// Public handles GET /api/v1/public/{token}. Every failure is a plain 404
// so a token reveals nothing about why it does not work.
func (h *ArtifactHandler) Public(w http.ResponseWriter, r *http.Request) {
	claims, err := h.signer.Verify(chi.URLParam(r, "token"))
	if err != nil {
		WriteNotFound(w, r, "No such file or directory")
		return
	}
	state, err := h.store.Builds().State(r.Context(), claims.BuildID)
	if err != nil || state == models.StateBuilding {
		WriteNotFound(w, r, "No such file or directory")
		return
	}
	f, err := h.artifacts.Open(claims.BuildID, claims.Item)
	if err != nil {
		WriteNotFound(w, r, "No such file or directory")
		return
	}
	defer f.Close()
	serveFile(w, r, f, claims.Item)
}

func (h *ArtifactHandler) build(w http.ResponseWriter, r *http.Request) (*models.Build, bool) {
	id, ok := idParam(r, "id")
	if !ok {
		WriteBadRequest(w, r, "Invalid build id")
		return nil, false
	}
	build, err := h.store.Builds().Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "build")
		return nil, false
	}
	return build, true
}

func (h *ArtifactHandler) open(w http.ResponseWriter, r *http.Request, buildID int64, item string) (*os.File, bool) {
	f, err := h.artifacts.Open(buildID, item)
	switch {
	case errors.Is(err, artifacts.ErrInvalidItem):
		WriteBadRequest(w, r, "Invalid artifact name")
		return nil, false
	case errors.Is(err, os.ErrNotExist):
		WriteNotFound(w, r, "No such file or directory")
		return nil, false
	case err != nil:
		h.logger.Error("failed to open artifact", "error", err, "build_id", buildID, "item", item)
		WriteInternalError(w, r, "Failed to open artifact")
		return nil, false
	}
	return f, true
}

// followOptions keeps following while the build is BUILDING. A store error
// stops the stream rather than holding the connection open.
func (h *ArtifactHandler) followOptions(buildID int64) artifacts.FollowOptions {
	opts := h.follow
	opts.Active = func(ctx context.Context) bool {
		state, err := h.store.Builds().State(ctx, buildID)
		return err == nil && state == models.StateBuilding
	}
	return opts
}

func serveFile(w http.ResponseWriter, r *http.Request, f *os.File, item string) {
	info, err := f.Stat()
	if err != nil {
		WriteNotFound(w, r, "No such file or directory")
		return
	}
	if item == artifacts.BuildLog {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(info.Name()))
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
