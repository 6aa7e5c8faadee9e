package repository_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-backend/internal/database"
	"presence-backend/internal/models"
	"presence-backend/internal/repository"
)

// activityStore is the method set shared by both store implementations.
type activityStore interface {
	CreateSession(ctx context.Context, s *models.RealTimeSession) (bool, error)
	UpdateSession(ctx context.Context, s *models.RealTimeSession, expectedVersion int64) (bool, error)
	GetActiveSession(ctx context.Context, userID, sessionID uuid.UUID, date time.Time) (*models.RealTimeSession, error)
	GetLatestSession(ctx context.Context, userID, sessionID uuid.UUID, date time.Time) (*models.RealTimeSession, error)
	FindStale(ctx context.Context, f repository.StaleFilter) ([]*models.RealTimeSession, error)
	MarkPaused(ctx context.Context, id uuid.UUID, cutoff time.Time) (*models.RealTimeSession, error)
	MarkForceEnded(ctx context.Context, id uuid.UUID, cutoff time.Time) (*models.RealTimeSession, error)
	ListSessionsForDay(ctx context.Context, userID uuid.UUID, date time.Time) ([]*models.RealTimeSession, error)
	ListActiveSessions(ctx context.Context, limit int) ([]*models.RealTimeSession, error)
	UpsertDailySummary(ctx context.Context, d *models.DailySummary) error
	GetDailySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailySummary, error)
	AppendActivityLog(ctx context.Context, e *models.ActivityLogEntry) error
	DeleteOlderThan(ctx context.Context, before time.Time) (repository.RetentionResult, error)
}

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newRow(userID, sessionID uuid.UUID, at time.Time) *models.RealTimeSession {
	return &models.RealTimeSession{
		ID:               uuid.New(),
		UserID:           userID,
		SessionID:        sessionID,
		Date:             models.Day(at, time.UTC),
		StartTime:        at,
		LastActivityTime: at,
		IsActive:         true,
	}
}

func TestMemoryActivityStore(t *testing.T) {
	t.Parallel()
	runStoreContract(t, func(t *testing.T) activityStore {
		return repository.NewMemoryActivityStore()
	})
}

// The Postgres run needs a disposable database; every test truncates the
// presence tables.
func TestActivityRepo(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, database.RunMigrations(dsn))
	pool, err := database.NewPostgresPool(dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	var mu sync.Mutex
	runStoreContract(t, func(t *testing.T) activityStore {
		mu.Lock()
		defer mu.Unlock()
		_, err := pool.Exec(context.Background(), `TRUNCATE real_time_sessions, daily_summaries, activity_log`)
		require.NoError(t, err)
		// A small batch makes the retention test cross several DELETEs.
		return repository.NewActivityRepo(pool, repository.WithRetentionBatch(2))
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) activityStore) {
	ctx := context.Background()

	t.Run("CreateSessionRejectsSecondActiveRow", func(t *testing.T) {
		s := newStore(t)
		userID, sessionID := uuid.New(), uuid.New()

		ok, err := s.CreateSession(ctx, newRow(userID, sessionID, t0))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.CreateSession(ctx, newRow(userID, sessionID, t0.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, ok)

		// A different session for the same user is independent.
		ok, err = s.CreateSession(ctx, newRow(userID, uuid.New(), t0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("UpdateSessionIsConditional", func(t *testing.T) {
		s := newStore(t)
		row := newRow(uuid.New(), uuid.New(), t0)
		ok, err := s.CreateSession(ctx, row)
		require.NoError(t, err)
		require.True(t, ok)

		cur, err := s.GetActiveSession(ctx, row.UserID, row.SessionID, row.Date)
		require.NoError(t, err)
		require.NotNil(t, cur)

		next := cur.Clone()
		next.LastActivityTime = t0.Add(time.Minute)
		ok, err = s.UpdateSession(ctx, next, cur.Version)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, cur.Version+1, next.Version)

		stale := cur.Clone()
		stale.LastActivityTime = t0.Add(2 * time.Minute)
		ok, err = s.UpdateSession(ctx, stale, cur.Version)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetActiveSession(ctx, row.UserID, row.SessionID, row.Date)
		require.NoError(t, err)
		assert.True(t, t0.Add(time.Minute).Equal(got.LastActivityTime))
	})

	t.Run("ConcurrentUpdatesOneWinner", func(t *testing.T) {
		s := newStore(t)
		row := newRow(uuid.New(), uuid.New(), t0)
		_, err := s.CreateSession(ctx, row)
		require.NoError(t, err)
		cur, err := s.GetActiveSession(ctx, row.UserID, row.SessionID, row.Date)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := cur.Clone()
				next.PageViewCount = i
				ok, err := s.UpdateSession(ctx, next, cur.Version)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("ReopenCollidingWithNewerActiveRowLoses", func(t *testing.T) {
		s := newStore(t)
		userID, sessionID := uuid.New(), uuid.New()
		first := newRow(userID, sessionID, t0)
		_, err := s.CreateSession(ctx, first)
		require.NoError(t, err)
		ended, err := s.MarkForceEnded(ctx, first.ID, t0)
		require.NoError(t, err)
		require.NotNil(t, ended)

		_, err = s.CreateSession(ctx, newRow(userID, sessionID, t0.Add(time.Hour)))
		require.NoError(t, err)

		reopened := ended.Clone()
		reopened.IsActive = true
		reopened.EndTime = nil
		reopened.DurationSeconds = nil
		reopened.EndReason = ""
		ok, err := s.UpdateSession(ctx, reopened, ended.Version)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("MarkPausedStrictCutoff", func(t *testing.T) {
		s := newStore(t)
		row := newRow(uuid.New(), uuid.New(), t0)
		_, err := s.CreateSession(ctx, row)
		require.NoError(t, err)

		got, err := s.MarkPaused(ctx, row.ID, t0)
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.MarkPaused(ctx, row.ID, t0.Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.IsPaused)
		assert.True(t, t0.Equal(*got.PausedAt))

		got, err = s.MarkPaused(ctx, row.ID, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("MarkForceEndedInclusiveCutoff", func(t *testing.T) {
		s := newStore(t)
		row := newRow(uuid.New(), uuid.New(), t0.Add(-time.Minute))
		row.LastActivityTime = t0
		_, err := s.CreateSession(ctx, row)
		require.NoError(t, err)

		got, err := s.MarkForceEnded(ctx, row.ID, t0.Add(-time.Second))
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.MarkForceEnded(ctx, row.ID, t0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.IsActive)
		assert.True(t, t0.Equal(*got.EndTime))
		assert.EqualValues(t, 60, *got.DurationSeconds)
		assert.Equal(t, models.EndReasonTimeout, got.EndReason)

		got, err = s.MarkForceEnded(ctx, row.ID, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("FindStale", func(t *testing.T) {
		s := newStore(t)
		userID := uuid.New()
		old := newRow(userID, uuid.New(), t0)
		edge := newRow(userID, uuid.New(), t0.Add(10*time.Minute))
		fresh := newRow(userID, uuid.New(), t0.Add(20*time.Minute))
		for _, r := range []*models.RealTimeSession{old, edge, fresh} {
			_, err := s.CreateSession(ctx, r)
			require.NoError(t, err)
		}
		_, err := s.MarkPaused(ctx, old.ID, t0.Add(time.Minute))
		require.NoError(t, err)

		cutoff := t0.Add(10 * time.Minute)
		rows, err := s.FindStale(ctx, repository.StaleFilter{Before: cutoff})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{old.ID}, ids(rows))

		rows, err = s.FindStale(ctx, repository.StaleFilter{Before: cutoff, Inclusive: true})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{old.ID, edge.ID}, ids(rows))

		rows, err = s.FindStale(ctx, repository.StaleFilter{Before: cutoff, Inclusive: true, OnlyUnpaused: true})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{edge.ID}, ids(rows))

		rows, err = s.FindStale(ctx, repository.StaleFilter{Before: t0.Add(time.Hour), Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{old.ID, edge.ID}, ids(rows))
	})

	t.Run("LatestAndDayListing", func(t *testing.T) {
		s := newStore(t)
		userID, sessionID := uuid.New(), uuid.New()
		first := newRow(userID, sessionID, t0)
		_, err := s.CreateSession(ctx, first)
		require.NoError(t, err)
		_, err = s.MarkForceEnded(ctx, first.ID, t0)
		require.NoError(t, err)
		second := newRow(userID, sessionID, t0.Add(time.Hour))
		_, err = s.CreateSession(ctx, second)
		require.NoError(t, err)
		_, err = s.CreateSession(ctx, newRow(userID, uuid.New(), t0.AddDate(0, 0, 1)))
		require.NoError(t, err)

		latest, err := s.GetLatestSession(ctx, userID, sessionID, first.Date)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)

		rows, err := s.ListSessionsForDay(ctx, userID, first.Date)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{first.ID, second.ID}, ids(rows))

		active, err := s.ListActiveSessions(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		missing, err := s.GetActiveSession(ctx, uuid.New(), sessionID, first.Date)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("DailySummaryUpsert", func(t *testing.T) {
		s := newStore(t)
		userID := uuid.New()
		date := models.Day(t0, time.UTC)

		got, err := s.GetDailySummary(ctx, userID, date)
		require.NoError(t, err)
		assert.Nil(t, got)

		first := t0
		require.NoError(t, s.UpsertDailySummary(ctx, &models.DailySummary{
			UserID: userID, Date: date, TotalActiveSeconds: 100, SessionCount: 1, FirstLoginTime: &first,
		}))
		require.NoError(t, s.UpsertDailySummary(ctx, &models.DailySummary{
			UserID: userID, Date: date, TotalActiveSeconds: 250, SessionCount: 2, FirstLoginTime: &first,
		}))

		got, err = s.GetDailySummary(ctx, userID, date)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.EqualValues(t, 250, got.TotalActiveSeconds)
		assert.Equal(t, 2, got.SessionCount)
		assert.Nil(t, got.LastLogoutTime)
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		s := newStore(t)
		userID := uuid.New()
		oldAt := t0.AddDate(0, 0, -40)
		// Five old rows of each kind, more than two retention batches.
		for i := 0; i < 5; i++ {
			_, err := s.CreateSession(ctx, newRow(userID, uuid.New(), oldAt))
			require.NoError(t, err)
		}
		_, err := s.CreateSession(ctx, newRow(userID, uuid.New(), t0))
		require.NoError(t, err)
		for _, at := range []time.Time{oldAt, oldAt, oldAt, oldAt, oldAt, t0} {
			require.NoError(t, s.AppendActivityLog(ctx, &models.ActivityLogEntry{
				UserID: userID, SessionID: uuid.New(), Date: models.Day(at, time.UTC),
				Endpoint: "/api/v1/activity", Method: "POST", OccurredAt: at,
			}))
		}

		res, err := s.DeleteOlderThan(ctx, models.Day(t0, time.UTC).AddDate(0, 0, -30))
		require.NoError(t, err)
		assert.EqualValues(t, 5, res.Sessions)
		assert.EqualValues(t, 5, res.LogEntries)

		res, err = s.DeleteOlderThan(ctx, models.Day(t0, time.UTC).AddDate(0, 0, -30))
		require.NoError(t, err)
		assert.Zero(t, res.Sessions)
		assert.Zero(t, res.LogEntries)

		rows, err := s.ListSessionsForDay(ctx, userID, models.Day(t0, time.UTC))
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}

func ids(rows []*models.RealTimeSession) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
