package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/buildfarm/internal/api/errors"
)

// Recovery turns a handler panic into a 500 with a structured body.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := middleware.GetReqID(r.Context())
				logger.Error("panic recovered",
					"error", rec,
					"stack_trace", string(debug.Stack()),
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
				)
				apierrors.WriteError(w, apierrors.NewInternalError("An unexpected error occurred").WithRequestID(requestID))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
