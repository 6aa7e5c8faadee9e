package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	EndReasonLogout     = "logout"
	EndReasonDisconnect = "disconnect"
	EndReasonTimeout    = "timeout"
)

// RealTimeSession is the per-user, per-day presence record for one session.
type RealTimeSession struct {
	ID                       uuid.UUID  `json:"id"`
	UserID                   uuid.UUID  `json:"user_id"`
	SessionID                uuid.UUID  `json:"session_id"`
	Date                     time.Time  `json:"date"`
	StartTime                time.Time  `json:"start_time"`
	LastActivityTime         time.Time  `json:"last_activity_time"`
	EndTime                  *time.Time `json:"end_time,omitempty"`
	IsActive                 bool       `json:"is_active"`
	IsPaused                 bool       `json:"is_paused"`
	PausedAt                 *time.Time `json:"paused_at,omitempty"`
	AccumulatedPausedSeconds int64      `json:"accumulated_paused_seconds"`
	ResumeCount              int        `json:"resume_count"`
	DurationSeconds          *int64     `json:"duration_seconds,omitempty"`
	PageViewCount            int        `json:"page_view_count"`
	EndReason                string     `json:"end_reason,omitempty"`
	Version                  int64      `json:"-"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Clone returns a deep copy; nullable fields do not alias the original.
func (s *RealTimeSession) Clone() *RealTimeSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	if s.DurationSeconds != nil {
		d := *s.DurationSeconds
		c.DurationSeconds = &d
	}
	return &c
}

// DailySummary is derived from the RealTimeSession rows of one user and day.
type DailySummary struct {
	UserID             uuid.UUID  `json:"user_id"`
	Date               time.Time  `json:"date"`
	TotalActiveSeconds int64      `json:"total_active_seconds"`
	SessionCount       int        `json:"session_count"`
	PageViewCount      int        `json:"page_view_count"`
	ResumeCount        int        `json:"resume_count"`
	FirstLoginTime     *time.Time `json:"first_login_time"`
	LastLogoutTime     *time.Time `json:"last_logout_time"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type ActivityLogEntry struct {
	ID         int64     `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	SessionID  uuid.UUID `json:"session_id"`
	Date       time.Time `json:"date"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Day returns the calendar day of t in loc, encoded as midnight UTC so it
// round-trips through a DATE column unchanged.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateLayout is the wire format of a summary date.
const DateLayout = "2006-01-02"

// ParseDay parses a YYYY-MM-DD date into the same encoding Day produces.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
