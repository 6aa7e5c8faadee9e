package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"presence-backend/internal/middleware"
	"presence-backend/internal/models"
	"presence-backend/internal/services"
)

type activityEngine interface {
	Touch(ctx context.Context, ev services.ActivityEvent)
	LogRequest(ctx context.Context, e *models.ActivityLogEntry)
	EndSession(ctx context.Context, userID, sessionID uuid.UUID, at time.Time, reason string) (*models.RealTimeSession, error)
}

type ActivityHandler struct {
	engine activityEngine
	logger slog.Logger
}

func NewActivityHandler(engine activityEngine, logger slog.Logger) *ActivityHandler {
	return &ActivityHandler{engine: engine, logger: logger.Named("activity_handler")}
}

// Record accepts an activity report. Reports are best-effort: anything other
// than a malformed body is acknowledged with 202 whether or not it could be
// stored.
func (h *ActivityHandler) Record(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req models.ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleServiceError(w, r, &services.ValidationError{Fields: map[string]string{"body": "must be a JSON object"}})
		return
	}

	sessionID := middleware.GetSessionID(r.Context())
	if req.SessionID != "" {
		parsed, err := uuid.Parse(req.SessionID)
		if err != nil {
			h.logger.Warn(r.Context(), "dropping activity with malformed session id",
				slog.F("user_id", userID),
				slog.F("session_id", req.SessionID),
			)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		sessionID = parsed
	}
	if sessionID == uuid.Nil {
		h.logger.Warn(r.Context(), "dropping activity without session id", slog.F("user_id", userID))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	now := time.Now()
	h.engine.Touch(r.Context(), services.ActivityEvent{
		UserID:    userID,
		SessionID: sessionID,
		At:        now,
		PageView:  req.PageView,
	})
	if req.Endpoint != "" {
		h.engine.LogRequest(r.Context(), &models.ActivityLogEntry{
			UserID:     userID,
			SessionID:  sessionID,
			Endpoint:   req.Endpoint,
			Method:     req.Method,
			OccurredAt: now,
		})
	}
	w.WriteHeader(http.StatusAccepted)
}

// EndSession is an explicit logout for one session of the caller.
func (h *ActivityHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		handleServiceError(w, r, &services.ValidationError{Fields: map[string]string{"session_id": "must be a UUID"}})
		return
	}

	ended, err := h.engine.EndSession(r.Context(), userID, sessionID, time.Time{}, models.EndReasonLogout)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if ended == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": ended,
	})
}
