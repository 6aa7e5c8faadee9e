package models

import (
	"time"

	"github.com/google/uuid"
)

type RosterEntry struct {
	UserID       uuid.UUID `json:"user_id"`
	LastActivity time.Time `json:"last_activity"`
}

// Roster is the live list of connected users shown in presence UI.
type Roster struct {
	Count int           `json:"count"`
	Users []RosterEntry `json:"users"`
}

type ActivityRequest struct {
	SessionID string `json:"session_id"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	PageView  bool   `json:"page_view"`
}
