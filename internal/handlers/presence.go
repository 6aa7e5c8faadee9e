package handlers

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"presence-backend/internal/middleware"
	"presence-backend/internal/models"
	"presence-backend/internal/services"
)

const (
	defaultActiveLimit = 500
	maxActiveLimit     = 5000
)

type rosterSource interface {
	Roster() models.Roster
}

type presenceStore interface {
	ListActiveSessions(ctx context.Context, limit int) ([]*models.RealTimeSession, error)
	GetDailySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailySummary, error)
}

type summaryRecomputer interface {
	RecomputeDailySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailySummary, error)
}

type PresenceHandler struct {
	hub        rosterSource
	store      presenceStore
	aggregator summaryRecomputer
	location   *time.Location
}

func NewPresenceHandler(hub rosterSource, store presenceStore, aggregator summaryRecomputer, location *time.Location) *PresenceHandler {
	if location == nil {
		location = time.UTC
	}
	return &PresenceHandler{hub: hub, store: store, aggregator: aggregator, location: location}
}

// ActiveSessions returns the presence roster. By default it is this
// instance's live connection directory; ?source=store derives it from active
// rows instead, which covers every instance at the cost of a query.
func (h *PresenceHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") != "store" {
		writeJSON(w, http.StatusOK, h.hub.Roster())
		return
	}

	limit := defaultActiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxActiveLimit {
			handleServiceError(w, r, &services.ValidationError{Fields: map[string]string{"limit": "must be between 1 and 5000"}})
			return
		}
		limit = n
	}

	rows, err := h.store.ListActiveSessions(r.Context(), limit)
	if err != nil {
		handleServiceError(w, r, &services.StoreUnavailableError{Op: "list active sessions", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, rosterFromRows(rows))
}

// DailySummary returns the caller's summary for ?date= (default today).
// ?refresh=true recomputes it first.
func (h *PresenceHandler) DailySummary(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, r, &services.ValidationError{Fields: map[string]string{"user_id": "must be a UUID"}})
		return
	}
	if userID != callerID {
		handleServiceError(w, r, &services.ForbiddenError{Message: "Cannot read another user's summary"})
		return
	}

	date := models.Day(time.Now(), h.location)
	if raw := r.URL.Query().Get("date"); raw != "" {
		date, err = models.ParseDay(raw)
		if err != nil {
			handleServiceError(w, r, &services.ValidationError{Fields: map[string]string{"date": "must be YYYY-MM-DD"}})
			return
		}
	}

	var summary *models.DailySummary
	if r.URL.Query().Get("refresh") == "true" && h.aggregator != nil {
		summary, err = h.aggregator.RecomputeDailySummary(r.Context(), userID, date)
	} else {
		summary, err = h.store.GetDailySummary(r.Context(), userID, date)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if summary == nil {
		handleServiceError(w, r, &services.NotFoundError{Message: "No activity recorded for this date"})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func rosterFromRows(rows []*models.RealTimeSession) models.Roster {
	latest := make(map[uuid.UUID]time.Time)
	for _, row := range rows {
		if row.LastActivityTime.After(latest[row.UserID]) {
			latest[row.UserID] = row.LastActivityTime
		}
	}

	users := make([]models.RosterEntry, 0, len(latest))
	for userID, at := range latest {
		users = append(users, models.RosterEntry{UserID: userID, LastActivity: at})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].LastActivity.Equal(users[j].LastActivity) {
			return users[i].UserID.String() < users[j].UserID.String()
		}
		return users[i].LastActivity.After(users[j].LastActivity)
	})
	return models.Roster{Count: len(users), Users: users}
}
