package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ActivityRecorder receives one event per authenticated request. It must
// not block on behalf of the caller's response.
type ActivityRecorder interface {
	RecordRequest(ctx context.Context, userID, sessionID uuid.UUID, endpoint, method string, at time.Time)
}

// ActivityTracker counts every authenticated request whose token names a
// session as activity for that session. Recording happens after the handler
// returns and off the request goroutine, so store latency never reaches the
// client.
func ActivityTracker(rec ActivityRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			at := time.Now()
			next.ServeHTTP(w, r)

			userID := GetUserID(r.Context())
			sessionID := GetSessionID(r.Context())
			if userID == uuid.Nil || sessionID == uuid.Nil {
				return
			}

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					endpoint = pattern
				}
			}
			ctx := context.WithoutCancel(r.Context())
			go rec.RecordRequest(ctx, userID, sessionID, endpoint, r.Method, at)
		})
	}
}
