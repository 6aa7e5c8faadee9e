package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"presence-backend/internal/models"
)

const defaultStaleLimit = 1000

const sessionColumns = `id, user_id, session_id, session_date, start_time, last_activity_time, end_time,
	is_active, is_paused, paused_at, accumulated_paused_seconds, resume_count, duration_seconds,
	page_view_count, COALESCE(end_reason, ''), version, created_at, updated_at`

// ActivityRepo is the PostgreSQL activity store. Every mutation is a single
// conditional statement, so concurrent writers on different instances never
// need a lock held across a round-trip.
type ActivityRepo struct {
	pool           *pgxpool.Pool
	retentionBatch int
}

const defaultRetentionBatch = 5000

type ActivityRepoOption func(*ActivityRepo)

// WithRetentionBatch caps how many rows one retention DELETE removes.
func WithRetentionBatch(n int) ActivityRepoOption {
	return func(r *ActivityRepo) {
		if n > 0 {
			r.retentionBatch = n
		}
	}
}

func NewActivityRepo(pool *pgxpool.Pool, opts ...ActivityRepoOption) *ActivityRepo {
	r := &ActivityRepo{pool: pool, retentionBatch: defaultRetentionBatch}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession inserts s unless an active row already exists for its key.
// It reports false when another writer won the insert.
func (r *ActivityRepo) CreateSession(ctx context.Context, s *models.RealTimeSession) (bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	query := `
		INSERT INTO real_time_sessions (
			id, user_id, session_id, session_date, start_time, last_activity_time, end_time,
			is_active, is_paused, paused_at, accumulated_paused_seconds, resume_count,
			duration_seconds, page_view_count, end_reason, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''), 1)
		ON CONFLICT (user_id, session_id, session_date) WHERE is_active DO NOTHING
		RETURNING version, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.SessionID, s.Date, s.StartTime, s.LastActivityTime, s.EndTime,
		s.IsActive, s.IsPaused, s.PausedAt, s.AccumulatedPausedSeconds, s.ResumeCount,
		s.DurationSeconds, s.PageViewCount, s.EndReason,
	).Scan(&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert real time session: %w", err)
	}
	return true, nil
}

// UpdateSession writes the mutable fields of s only if the stored version
// still equals expectedVersion.
func (r *ActivityRepo) UpdateSession(ctx context.Context, s *models.RealTimeSession, expectedVersion int64) (bool, error) {
	query := `
		UPDATE real_time_sessions
		SET last_activity_time = $3,
			end_time = $4,
			is_active = $5,
			is_paused = $6,
			paused_at = $7,
			accumulated_paused_seconds = $8,
			resume_count = $9,
			duration_seconds = $10,
			page_view_count = $11,
			end_reason = NULLIF($12, ''),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
		  AND version = $2
		RETURNING version, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		s.ID, expectedVersion, s.LastActivityTime, s.EndTime, s.IsActive, s.IsPaused, s.PausedAt,
		s.AccumulatedPausedSeconds, s.ResumeCount, s.DurationSeconds, s.PageViewCount, s.EndReason,
	).Scan(&s.Version, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if isUniqueViolation(err) {
		// Reopening collided with a newer active row for the same key.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update real time session: %w", err)
	}
	return true, nil
}

// GetActiveSession returns the active row for the key, or nil if there is none.
func (r *ActivityRepo) GetActiveSession(ctx context.Context, userID, sessionID uuid.UUID, date time.Time) (*models.RealTimeSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM real_time_sessions
		WHERE user_id = $1 AND session_id = $2 AND session_date = $3 AND is_active
		LIMIT 1`
	return r.getOne(ctx, query, userID, sessionID, date)
}

// GetLatestSession returns the most recently active row for the key, active or not.
func (r *ActivityRepo) GetLatestSession(ctx context.Context, userID, sessionID uuid.UUID, date time.Time) (*models.RealTimeSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM real_time_sessions
		WHERE user_id = $1 AND session_id = $2 AND session_date = $3
		ORDER BY last_activity_time DESC
		LIMIT 1`
	return r.getOne(ctx, query, userID, sessionID, date)
}

func (r *ActivityRepo) FindStale(ctx context.Context, f StaleFilter) ([]*models.RealTimeSession, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	query := `SELECT ` + sessionColumns + `
		FROM real_time_sessions
		WHERE is_active
		  AND (last_activity_time < $1 OR ($4 AND last_activity_time = $1))
		  AND ($2 = FALSE OR NOT is_paused)
		ORDER BY last_activity_time
		LIMIT $3`
	return r.list(ctx, query, f.Before, f.OnlyUnpaused, limit, f.Inclusive)
}

// MarkPaused flags the row paused if it is still active, unpaused and idle
// since before cutoff. It returns nil when the predicate no longer holds.
func (r *ActivityRepo) MarkPaused(ctx context.Context, id uuid.UUID, cutoff time.Time) (*models.RealTimeSession, error) {
	query := `
		UPDATE real_time_sessions
		SET is_paused = TRUE,
			paused_at = last_activity_time,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
		  AND is_active
		  AND NOT is_paused
		  AND last_activity_time < $2
		RETURNING ` + sessionColumns
	return r.getOne(ctx, query, id, cutoff)
}

// MarkForceEnded closes the row at its last activity if it is still active and
// idle since cutoff or earlier. It returns nil when the predicate no longer holds.
func (r *ActivityRepo) MarkForceEnded(ctx context.Context, id uuid.UUID, cutoff time.Time) (*models.RealTimeSession, error) {
	query := `
		UPDATE real_time_sessions
		SET end_time = last_activity_time,
			duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM (last_activity_time - start_time)))::BIGINT),
			is_active = FALSE,
			is_paused = FALSE,
			end_reason = 'timeout',
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
		  AND is_active
		  AND last_activity_time <= $2
		RETURNING ` + sessionColumns
	return r.getOne(ctx, query, id, cutoff)
}

func (r *ActivityRepo) ListSessionsForDay(ctx context.Context, userID uuid.UUID, date time.Time) ([]*models.RealTimeSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM real_time_sessions
		WHERE user_id = $1 AND session_date = $2
		ORDER BY start_time`
	return r.list(ctx, query, userID, date)
}

func (r *ActivityRepo) ListActiveSessions(ctx context.Context, limit int) ([]*models.RealTimeSession, error) {
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	query := `SELECT ` + sessionColumns + `
		FROM real_time_sessions
		WHERE is_active
		ORDER BY last_activity_time DESC
		LIMIT $1`
	return r.list(ctx, query, limit)
}

func (r *ActivityRepo) UpsertDailySummary(ctx context.Context, d *models.DailySummary) error {
	query := `
		INSERT INTO daily_summaries (
			user_id, summary_date, total_active_seconds, session_count, page_view_count,
			resume_count, first_login_time, last_logout_time, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id, summary_date) DO UPDATE
		SET total_active_seconds = EXCLUDED.total_active_seconds,
			session_count = EXCLUDED.session_count,
			page_view_count = EXCLUDED.page_view_count,
			resume_count = EXCLUDED.resume_count,
			first_login_time = EXCLUDED.first_login_time,
			last_logout_time = EXCLUDED.last_logout_time,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		d.UserID, d.Date, d.TotalActiveSeconds, d.SessionCount, d.PageViewCount,
		d.ResumeCount, d.FirstLoginTime, d.LastLogoutTime,
	).Scan(&d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}
	return nil
}

// GetDailySummary returns the summary for the user and day, or nil if none exists.
func (r *ActivityRepo) GetDailySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailySummary, error) {
	d := &models.DailySummary{}
	query := `SELECT user_id, summary_date, total_active_seconds, session_count, page_view_count,
			resume_count, first_login_time, last_logout_time, updated_at
		FROM daily_summaries
		WHERE user_id = $1 AND summary_date = $2`

	err := r.pool.QueryRow(ctx, query, userID, date).Scan(
		&d.UserID, &d.Date, &d.TotalActiveSeconds, &d.SessionCount, &d.PageViewCount,
		&d.ResumeCount, &d.FirstLoginTime, &d.LastLogoutTime, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *ActivityRepo) AppendActivityLog(ctx context.Context, e *models.ActivityLogEntry) error {
	query := `
		INSERT INTO activity_log (user_id, session_id, log_date, endpoint, method, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return r.pool.QueryRow(ctx, query,
		e.UserID, e.SessionID, e.Date, e.Endpoint, e.Method, e.OccurredAt,
	).Scan(&e.ID)
}

// DeleteOlderThan removes session and audit rows dated before the given day,
// at most retentionBatch rows per statement so no single DELETE holds locks
// on a large range. Each batch commits on its own; an interrupted purge is
// finished by the next run. Daily summaries are kept.
func (r *ActivityRepo) DeleteOlderThan(ctx context.Context, before time.Time) (RetentionResult, error) {
	var res RetentionResult

	n, err := r.deleteInBatches(ctx, `DELETE FROM real_time_sessions WHERE id IN (
		SELECT id FROM real_time_sessions WHERE session_date < $1 LIMIT $2)`, before)
	res.Sessions = n
	if err != nil {
		return res, fmt.Errorf("delete old sessions: %w", err)
	}

	n, err = r.deleteInBatches(ctx, `DELETE FROM activity_log WHERE id IN (
		SELECT id FROM activity_log WHERE log_date < $1 LIMIT $2)`, before)
	res.LogEntries = n
	if err != nil {
		return res, fmt.Errorf("delete old activity log: %w", err)
	}
	return res, nil
}

func (r *ActivityRepo) deleteInBatches(ctx context.Context, query string, before time.Time) (int64, error) {
	var total int64
	for {
		tag, err := r.pool.Exec(ctx, query, before, r.retentionBatch)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(r.retentionBatch) {
			return total, nil
		}
	}
}

func (r *ActivityRepo) getOne(ctx context.Context, query string, args ...any) (*models.RealTimeSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ActivityRepo) list(ctx context.Context, query string, args ...any) ([]*models.RealTimeSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RealTimeSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*models.RealTimeSession, error) {
	s := &models.RealTimeSession{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.SessionID, &s.Date, &s.StartTime, &s.LastActivityTime, &s.EndTime,
		&s.IsActive, &s.IsPaused, &s.PausedAt, &s.AccumulatedPausedSeconds, &s.ResumeCount,
		&s.DurationSeconds, &s.PageViewCount, &s.EndReason, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
