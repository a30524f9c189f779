// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// idParams names the {id} path parameter after the collection it indexes.
var idParams = map[string]string{
	"/api/v1/builds/":   "build_id",
	"/api/v1/requests/": "request_id",
}

// RequestLogger returns a middleware that logs HTTP requests once they
// finish. Artifact streams are logged as "stream closed" with the build and
// item they followed; server errors are logged at WARN.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"req_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}

				msg := "request completed"
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					pattern := rctx.RoutePattern()
					if pattern != "" {
						attrs = append(attrs, "route", pattern)
					}
					for prefix, key := range idParams {
						if id := rctx.URLParam("id"); id != "" && strings.HasPrefix(pattern, prefix) {
							attrs = append(attrs, key, id)
						}
					}
					if isStream(pattern) {
						msg = "stream closed"
						attrs = append(attrs, "item", rctx.URLParam("item"))
					}
				}

				level := slog.LevelInfo
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				logger.Log(r.Context(), level, msg, attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// isStream reports whether pattern is a long-lived artifact route.
func isStream(pattern string) bool {
	return strings.HasSuffix(pattern, "/artifacts/{item}") || strings.HasSuffix(pattern, "/artifacts/{item}/ws")
}
