package router

import (
	"net/http"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"presence-backend/internal/handlers"
	"presence-backend/internal/middleware"
	"presence-backend/internal/websocket"
)

func New(
	logger slog.Logger,
	jwtAuth *middleware.JWTAuth,
	recorder middleware.ActivityRecorder,
	activityHandler *handlers.ActivityHandler,
	presenceHandler *handlers.PresenceHandler,
	wsHub *websocket.Hub,
	wsLimiter *middleware.RateLimiter,
	metricsHandler http.Handler,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger.Named("http")))
	r.Use(middleware.CORS(frontendURL))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Authenticated API ────
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(middleware.ActivityTracker(recorder))

				r.Get("/presence/active", presenceHandler.ActiveSessions)
				r.Get("/users/{userID}/daily-summary", presenceHandler.DailySummary)
			})

			// Not tracked. Record does its own bookkeeping for the session
			// the report names, and counting the logout as activity would
			// reopen the session it just closed.
			r.Post("/activity", activityHandler.Record)
			r.Post("/sessions/{sessionID}/end", activityHandler.EndSession)
		})

		// ──── WebSocket ────
		r.Group(func(r chi.Router) {
			if wsLimiter != nil {
				r.Use(wsLimiter.Middleware)
			}
			r.Get("/ws", wsHub.HandleWebSocket)
		})
	})

	return r
}
