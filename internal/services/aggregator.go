package services

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"presence-backend/internal/metrics"
	"presence-backend/internal/models"
)

const aggregatorStripes = 64

// Violation describes a row that broke a duration invariant and was clamped
// while summarizing.
type Violation struct {
	RowID uuid.UUID
	Kind  string
}

const (
	ViolationPausedExceedsDuration = "paused_exceeds_duration"
	ViolationActiveWithEndTime     = "active_with_end_time"
	ViolationMissingDuration       = "missing_duration"
)

// Aggregator rebuilds DailySummary rows from the real-time sessions of one
// (user, date). Recomputes for the same key are serialized in-process so the
// last one to finish has read the latest rows.
type Aggregator struct {
	store   ActivityStore
	clock   quartz.Clock
	logger  slog.Logger
	metrics *metrics.Metrics
	stripes [aggregatorStripes]sync.Mutex
}

func NewAggregator(store ActivityStore, logger slog.Logger, m *metrics.Metrics, clock quartz.Clock) *Aggregator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Aggregator{
		store:   store,
		clock:   clock,
		logger:  logger.Named("aggregator"),
		metrics: m,
	}
}

// Trigger recomputes synchronously and logs failures. It makes Aggregator a
// SummaryTrigger for the inline aggregation mode.
func (a *Aggregator) Trigger(ctx context.Context, userID uuid.UUID, date time.Time) {
	if _, err := a.RecomputeDailySummary(ctx, userID, date); err != nil {
		a.logger.Error(ctx, "recompute daily summary",
			slog.F("user_id", userID),
			slog.F("date", date.Format(models.DateLayout)),
			slog.Error(err),
		)
	}
}

// RecomputeDailySummary rebuilds and upserts the summary for (userID, date).
// It returns nil without writing when the user has no rows that day.
func (a *Aggregator) RecomputeDailySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailySummary, error) {
	mu := a.lockFor(userID, date)
	mu.Lock()
	defer mu.Unlock()

	rows, err := a.store.ListSessionsForDay(ctx, userID, date)
	if err != nil {
		a.metrics.SummaryRecomputes.WithLabelValues("error").Inc()
		return nil, unavailable("list sessions for day", err)
	}
	if len(rows) == 0 {
		a.metrics.SummaryRecomputes.WithLabelValues("empty").Inc()
		return nil, nil
	}

	summary, violations := Summarize(userID, date, rows, a.clock.Now())
	for _, v := range violations {
		a.metrics.InvariantViolations.WithLabelValues(v.Kind).Inc()
		a.logger.Warn(ctx, "session row violates duration invariant",
			slog.F("row_id", v.RowID),
			slog.F("kind", v.Kind),
		)
	}

	if err := a.store.UpsertDailySummary(ctx, summary); err != nil {
		a.metrics.SummaryRecomputes.WithLabelValues("error").Inc()
		return nil, unavailable("upsert daily summary", err)
	}
	a.metrics.SummaryRecomputes.WithLabelValues("ok").Inc()
	return summary, nil
}

func (a *Aggregator) lockFor(userID uuid.UUID, date time.Time) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(userID[:])
	_, _ = h.Write([]byte(date.Format(models.DateLayout)))
	return &a.stripes[h.Sum32()%aggregatorStripes]
}

// Summarize folds the rows of one (user, date) into a DailySummary. It is a
// pure function of its inputs; now only matters for rows still active.
func Summarize(userID uuid.UUID, date time.Time, rows []*models.RealTimeSession, now time.Time) (*models.DailySummary, []Violation) {
	d := &models.DailySummary{
		UserID: userID,
		Date:   date,
	}
	var violations []Violation

	for _, r := range rows {
		secs, kind := ActiveSeconds(r, now)
		if kind != "" {
			violations = append(violations, Violation{RowID: r.ID, Kind: kind})
		}
		d.TotalActiveSeconds += secs
		d.PageViewCount += r.PageViewCount
		d.ResumeCount += r.ResumeCount

		if d.FirstLoginTime == nil || r.StartTime.Before(*d.FirstLoginTime) {
			start := r.StartTime
			d.FirstLoginTime = &start
		}
		last := r.LastActivityTime
		if r.EndTime != nil {
			last = *r.EndTime
		}
		if d.LastLogoutTime == nil || last.After(*d.LastLogoutTime) {
			d.LastLogoutTime = &last
		}
	}
	d.SessionCount = len(rows)
	return d, violations
}

// ActiveSeconds is the engaged time a row contributes: duration minus paused
// time for closed rows, elapsed minus paused time for active ones. Results
// are clamped at zero and the broken invariant, if any, is named.
func ActiveSeconds(r *models.RealTimeSession, now time.Time) (int64, string) {
	var kind string
	var total int64

	switch {
	case r.IsActive:
		if r.EndTime != nil {
			kind = ViolationActiveWithEndTime
		}
		total = int64(now.Sub(r.StartTime) / time.Second)
	case r.DurationSeconds != nil:
		total = *r.DurationSeconds
	default:
		kind = ViolationMissingDuration
		end := r.LastActivityTime
		if r.EndTime != nil {
			end = *r.EndTime
		}
		total = int64(end.Sub(r.StartTime) / time.Second)
	}

	active := total - r.AccumulatedPausedSeconds
	if active < 0 {
		if !r.IsActive && kind == "" {
			kind = ViolationPausedExceedsDuration
		}
		active = 0
	}
	return active, kind
}
