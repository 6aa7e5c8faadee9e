package services

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"presence-backend/internal/metrics"
	"presence-backend/internal/models"
)

// maxWriteAttempts bounds the read-modify-write loop when conditional writes
// keep failing because another instance touched the row first.
const maxWriteAttempts = 5

type TrackerConfig struct {
	PauseThreshold    time.Duration
	ForceEndThreshold time.Duration
	// StoreTimeout caps every store round-trip made on behalf of one event.
	StoreTimeout time.Duration
	// Location decides which calendar day an instant belongs to.
	Location *time.Location
}

// ActivityEvent is one observed interaction by a user within a session. A
// zero At means "now".
type ActivityEvent struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	At        time.Time
	PageView  bool
}

// Tracker owns the session lifecycle: it opens, advances, pauses and closes
// RealTimeSession rows. All row mutations are conditional writes so any
// number of instances can share one store.
type Tracker struct {
	store   ActivityStore
	trigger SummaryTrigger
	clock   quartz.Clock
	logger  slog.Logger
	metrics *metrics.Metrics
	cfg     TrackerConfig
}

type TrackerOption func(*Tracker)

func WithTrackerClock(c quartz.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

func NewTracker(store ActivityStore, trigger SummaryTrigger, cfg TrackerConfig, logger slog.Logger, m *metrics.Metrics, opts ...TrackerOption) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if m == nil {
		m = metrics.New(nil)
	}
	t := &Tracker{
		store:   store,
		trigger: trigger,
		clock:   quartz.NewReal(),
		logger:  logger.Named("tracker"),
		metrics: m,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) PauseThreshold() time.Duration    { return t.cfg.PauseThreshold }
func (t *Tracker) ForceEndThreshold() time.Duration { return t.cfg.ForceEndThreshold }
func (t *Tracker) Location() *time.Location         { return t.cfg.Location }
func (t *Tracker) Now() time.Time                   { return t.clock.Now() }

// Day returns the calendar date an instant is attributed to.
func (t *Tracker) Day(at time.Time) time.Time {
	return models.Day(at, t.cfg.Location)
}

// RecordActivity applies ev to the active row for its key, creating or
// reopening one when needed, and returns the row as stored.
func (t *Tracker) RecordActivity(ctx context.Context, ev ActivityEvent) (*models.RealTimeSession, error) {
	if ev.UserID == uuid.Nil || ev.SessionID == uuid.Nil {
		return nil, &NotFoundError{Message: "Activity does not reference a known user session"}
	}
	if ev.At.IsZero() {
		ev.At = t.clock.Now()
	}
	ctx, cancel := t.withStoreTimeout(ctx)
	defer cancel()

	date := t.Day(ev.At)
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		row, result, err := t.applyOnce(ctx, ev, date)
		if err != nil {
			t.metrics.ActivityEvents.WithLabelValues("error").Inc()
			return nil, err
		}
		if result != "" {
			t.metrics.ActivityEvents.WithLabelValues(result).Inc()
			return row, nil
		}
	}
	t.metrics.ActivityEvents.WithLabelValues("conflict").Inc()
	return nil, ErrWriteConflict
}

// applyOnce makes one read-modify-write attempt. An empty result with a nil
// error means the write lost a race and should be retried.
func (t *Tracker) applyOnce(ctx context.Context, ev ActivityEvent, date time.Time) (*models.RealTimeSession, string, error) {
	row, err := t.store.GetActiveSession(ctx, ev.UserID, ev.SessionID, date)
	if err != nil {
		return nil, "", unavailable("get active session", err)
	}

	if row != nil {
		next, resumed, changed := applyActivity(row, ev.At, ev.PageView, t.cfg.PauseThreshold)
		if !changed {
			return row, "unchanged", nil
		}
		ok, err := t.store.UpdateSession(ctx, next, row.Version)
		if err != nil {
			return nil, "", unavailable("update session", err)
		}
		if !ok {
			return nil, "", nil
		}
		if resumed {
			t.metrics.ImplicitResumes.Inc()
			t.logger.Debug(ctx, "implicit resume",
				slog.F("user_id", ev.UserID),
				slog.F("session_id", ev.SessionID),
				slog.F("resume_count", next.ResumeCount),
			)
		}
		return next, "updated", nil
	}

	latest, err := t.store.GetLatestSession(ctx, ev.UserID, ev.SessionID, date)
	if err != nil {
		return nil, "", unavailable("get latest session", err)
	}
	if latest != nil && latest.EndReason == models.EndReasonTimeout {
		if ev.At.Before(latest.LastActivityTime) {
			// Delayed event for a row the sweep already closed.
			return latest, "stale", nil
		}
		if !ev.At.After(latest.LastActivityTime.Add(t.cfg.ForceEndThreshold)) {
			next := reopen(latest)
			next, _, _ = applyActivity(next, ev.At, ev.PageView, t.cfg.PauseThreshold)
			ok, err := t.store.UpdateSession(ctx, next, latest.Version)
			if err != nil {
				return nil, "", unavailable("reopen session", err)
			}
			if !ok {
				return nil, "", nil
			}
			t.logger.Info(ctx, "reopened timed out session",
				slog.F("user_id", ev.UserID),
				slog.F("session_id", ev.SessionID),
			)
			return next, "reopened", nil
		}
	}

	fresh := newSession(ev, date)
	ok, err := t.store.CreateSession(ctx, fresh)
	if err != nil {
		return nil, "", unavailable("create session", err)
	}
	if !ok {
		return nil, "", nil
	}
	return fresh, "created", nil
}

// Touch records activity on a best-effort basis. Failures are logged and
// counted, never returned, so the request that produced the activity is not
// affected by the store being slow or down.
func (t *Tracker) Touch(ctx context.Context, ev ActivityEvent) {
	if _, err := t.RecordActivity(ctx, ev); err != nil {
		t.metrics.ActivityEvents.WithLabelValues("dropped").Inc()
		t.logger.Warn(ctx, "dropped activity event",
			slog.F("user_id", ev.UserID),
			slog.F("session_id", ev.SessionID),
			slog.Error(err),
		)
	}
}

// LogRequest appends an audit entry for an authenticated request. Like
// Touch, it never fails the caller.
func (t *Tracker) LogRequest(ctx context.Context, e *models.ActivityLogEntry) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = t.clock.Now()
	}
	e.Date = t.Day(e.OccurredAt)

	ctx, cancel := t.withStoreTimeout(ctx)
	defer cancel()
	if err := t.store.AppendActivityLog(ctx, e); err != nil {
		t.logger.Warn(ctx, "append activity log", slog.F("user_id", e.UserID), slog.Error(err))
	}
}

// EndSession closes the active row for (userID, sessionID) at the given
// instant. A row still open from the previous calendar day is closed too.
// It returns nil, nil when there is nothing to close.
func (t *Tracker) EndSession(ctx context.Context, userID, sessionID uuid.UUID, at time.Time, reason string) (*models.RealTimeSession, error) {
	if at.IsZero() {
		at = t.clock.Now()
	}
	ctx, cancel := t.withStoreTimeout(ctx)
	defer cancel()

	date := t.Day(at)
	for _, day := range []time.Time{date, date.AddDate(0, 0, -1)} {
		ended, err := t.endOnDay(ctx, userID, sessionID, day, at, reason)
		if err != nil || ended != nil {
			return ended, err
		}
	}
	return nil, nil
}

func (t *Tracker) endOnDay(ctx context.Context, userID, sessionID uuid.UUID, day, at time.Time, reason string) (*models.RealTimeSession, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		row, err := t.store.GetActiveSession(ctx, userID, sessionID, day)
		if err != nil {
			return nil, unavailable("get active session", err)
		}
		if row == nil {
			return nil, nil
		}

		next := endRow(row, at, reason, t.cfg.PauseThreshold)
		ok, err := t.store.UpdateSession(ctx, next, row.Version)
		if err != nil {
			return nil, unavailable("end session", err)
		}
		if !ok {
			continue
		}

		t.metrics.SessionsEnded.WithLabelValues(reason).Inc()
		t.logger.Info(ctx, "session ended",
			slog.F("user_id", userID),
			slog.F("session_id", sessionID),
			slog.F("reason", reason),
			slog.F("duration_seconds", *next.DurationSeconds),
		)
		t.triggerSummary(ctx, userID, day)
		return next, nil
	}
	return nil, ErrWriteConflict
}

// ForcePause flags the row paused if it has been idle longer than the pause
// threshold as of at. It returns nil when the row no longer qualifies.
func (t *Tracker) ForcePause(ctx context.Context, rowID uuid.UUID, at time.Time) (*models.RealTimeSession, error) {
	row, err := t.store.MarkPaused(ctx, rowID, at.Add(-t.cfg.PauseThreshold))
	if err != nil {
		return nil, unavailable("mark paused", err)
	}
	return row, nil
}

// ForceEnd closes the row at its last activity if it has been idle for at
// least the force-end threshold as of at. It returns nil when the row no
// longer qualifies. The caller is responsible for triggering summaries.
func (t *Tracker) ForceEnd(ctx context.Context, rowID uuid.UUID, at time.Time) (*models.RealTimeSession, error) {
	row, err := t.store.MarkForceEnded(ctx, rowID, at.Add(-t.cfg.ForceEndThreshold))
	if err != nil {
		return nil, unavailable("mark force ended", err)
	}
	if row != nil {
		t.metrics.SessionsEnded.WithLabelValues(models.EndReasonTimeout).Inc()
	}
	return row, nil
}

func (t *Tracker) triggerSummary(ctx context.Context, userID uuid.UUID, date time.Time) {
	if t.trigger == nil {
		return
	}
	t.trigger.Trigger(ctx, userID, date)
}

func (t *Tracker) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.StoreTimeout)
}

func newSession(ev ActivityEvent, date time.Time) *models.RealTimeSession {
	s := &models.RealTimeSession{
		ID:               uuid.New(),
		UserID:           ev.UserID,
		SessionID:        ev.SessionID,
		Date:             date,
		StartTime:        ev.At,
		LastActivityTime: ev.At,
		IsActive:         true,
	}
	if ev.PageView {
		s.PageViewCount = 1
	}
	return s
}

// applyActivity returns the row as it should look after activity at. An
// idle gap longer than pauseThreshold is an implicit resume: the whole gap
// becomes paused time. Events older than the row's last activity leave the
// timestamps alone.
func applyActivity(row *models.RealTimeSession, at time.Time, pageView bool, pauseThreshold time.Duration) (next *models.RealTimeSession, resumed, changed bool) {
	next = row.Clone()
	gap := at.Sub(row.LastActivityTime)

	switch {
	case gap > pauseThreshold:
		next.AccumulatedPausedSeconds += int64(gap / time.Second)
		next.ResumeCount++
		next.LastActivityTime = at
		next.IsPaused = false
		next.PausedAt = nil
		resumed, changed = true, true
	case gap >= 0:
		if gap > 0 {
			next.LastActivityTime = at
			changed = true
		}
		if next.IsPaused {
			next.IsPaused = false
			next.PausedAt = nil
			changed = true
		}
	}

	if pageView {
		next.PageViewCount++
		changed = true
	}
	return next, resumed, changed
}

// endRow closes row at max(at, last activity). A trailing idle gap longer
// than pauseThreshold counts as paused time.
func endRow(row *models.RealTimeSession, at time.Time, reason string, pauseThreshold time.Duration) *models.RealTimeSession {
	next := row.Clone()
	end := at
	if end.Before(row.LastActivityTime) {
		end = row.LastActivityTime
	}
	if gap := end.Sub(row.LastActivityTime); gap > pauseThreshold {
		next.AccumulatedPausedSeconds += int64(gap / time.Second)
	}

	duration := int64(end.Sub(row.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}
	next.EndTime = &end
	next.DurationSeconds = &duration
	next.IsActive = false
	next.IsPaused = false
	next.PausedAt = nil
	next.EndReason = reason
	return next
}

func reopen(row *models.RealTimeSession) *models.RealTimeSession {
	next := row.Clone()
	next.IsActive = true
	next.IsPaused = false
	next.PausedAt = nil
	next.EndTime = nil
	next.DurationSeconds = nil
	next.EndReason = ""
	return next
}

// RecordRequest treats an authenticated API call as activity and writes an
// audit entry for it. It never fails the caller.
func (t *Tracker) RecordRequest(ctx context.Context, userID, sessionID uuid.UUID, endpoint, method string, at time.Time) {
	t.Touch(ctx, ActivityEvent{UserID: userID, SessionID: sessionID, At: at})
	t.LogRequest(ctx, &models.ActivityLogEntry{
		UserID:     userID,
		SessionID:  sessionID,
		Endpoint:   endpoint,
		Method:     method,
		OccurredAt: at,
	})
}
