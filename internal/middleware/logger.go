package middleware

import (
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Logger writes one structured line per request.
func Logger(logger slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []slog.Field{
				slog.F("method", r.Method),
				slog.F("path", r.URL.Path),
				slog.F("status", status),
				slog.F("duration", time.Since(start)),
				slog.F("request_id", GetRequestID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn(r.Context(), "request failed", fields...)
				return
			}
			logger.Debug(r.Context(), "request", fields...)
		})
	}
}
