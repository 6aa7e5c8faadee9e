package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"presence-backend/internal/models"
	"presence-backend/internal/repository"
)

// ActivityStore is the durable record of real-time sessions and their daily
// rollups. Both repository.ActivityRepo and repository.MemoryActivityStore
// satisfy it.
type ActivityStore interface {
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

var (
	_ ActivityStore = (*repository.ActivityRepo)(nil)
	_ ActivityStore = (*repository.MemoryActivityStore)(nil)
)

// SummaryTrigger asks for the daily summary of (userID, date) to be
// recomputed. Implementations log their own failures; a lost trigger is
// repaired by the next one for the same key.
type SummaryTrigger interface {
	Trigger(ctx context.Context, userID uuid.UUID, date time.Time)
}

// Notifier pushes a message to every live connection of a user.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, msg models.WSMessage) error
}

// Locker takes a best-effort cluster-wide lock that expires after ttl.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
