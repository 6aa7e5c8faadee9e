package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence-backend/internal/models"
)

// StaleFilter selects active rows whose last activity is older than Before,
// or at Before too when Inclusive is set.
type StaleFilter struct {
	Before       time.Time
	Inclusive    bool
	OnlyUnpaused bool
	Limit        int
}

func (f StaleFilter) matches(lastActivity time.Time) bool {
	if f.Inclusive {
		return !lastActivity.After(f.Before)
	}
	return lastActivity.Before(f.Before)
}

type RetentionResult struct {
	Sessions   int64
	LogEntries int64
}

type summaryKey struct {
	userID uuid.UUID
	date   time.Time
}

// MemoryActivityStore is a process-local activity store. It applies the same
// conditional-write rules as ActivityRepo and hands out clones so callers
// never share row state. Used for local runs and tests.
type MemoryActivityStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	sessions  map[uuid.UUID]*models.RealTimeSession
	summaries map[summaryKey]*models.DailySummary
	logs      []*models.ActivityLogEntry
	nextLogID int64
}

func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{
		now:       time.Now,
		sessions:  make(map[uuid.UUID]*models.RealTimeSession),
		summaries: make(map[summaryKey]*models.DailySummary),
	}
}

func (m *MemoryActivityStore) CreateSession(ctx context.Context, s *models.RealTimeSession) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.IsActive && m.activeLocked(s.UserID, s.SessionID, s.Date) != nil {
		return false, nil
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := m.now()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sessions[s.ID] = s.Clone()
	return true, nil
}

func (m *MemoryActivityStore) UpdateSession(ctx context.Context, s *models.RealTimeSession, expectedVersion int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	if s.IsActive && !cur.IsActive {
		if other := m.activeLocked(s.UserID, s.SessionID, s.Date); other != nil && other.ID != s.ID {
			return false, nil
		}
	}
	s.Version = expectedVersion + 1
	s.CreatedAt = cur.CreatedAt
	s.UpdatedAt = m.now()
	m.sessions[s.ID] = s.Clone()
	return true, nil
}

func (m *MemoryActivityStore) GetActiveSession(ctx context.Context, userID, sessionID uuid.UUID, date time.Time) (*models.RealTimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked(userID, sessionID, date).Clone(), nil
}

func (m *MemoryActivityStore) GetLatestSession(ctx context.Context, userID, sessionID uuid.UUID, date time.Time) (*models.RealTimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.RealTimeSession
	for _, s := range m.sessions {
		if s.UserID != userID || s.SessionID != sessionID || !s.Date.Equal(date) {
			continue
		}
		if latest == nil || s.LastActivityTime.After(latest.LastActivityTime) {
			latest = s
		}
	}
	return latest.Clone(), nil
}

func (m *MemoryActivityStore) FindStale(ctx context.Context, f StaleFilter) ([]*models.RealTimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.RealTimeSession
	for _, s := range m.sessions {
		if !s.IsActive || !f.matches(s.LastActivityTime) {
			continue
		}
		if f.OnlyUnpaused && s.IsPaused {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityTime.Before(out[j].LastActivityTime)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryActivityStore) MarkPaused(ctx context.Context, id uuid.UUID, cutoff time.Time) (*models.RealTimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.IsActive || s.IsPaused || !s.LastActivityTime.Before(cutoff) {
		return nil, nil
	}
	pausedAt := s.LastActivityTime
	s.IsPaused = true
	s.PausedAt = &pausedAt
	s.Version++
	s.UpdatedAt = m.now()
	return s.Clone(), nil
}

func (m *MemoryActivityStore) MarkForceEnded(ctx context.Context, id uuid.UUID, cutoff time.Time) (*models.RealTimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.IsActive || s.LastActivityTime.After(cutoff) {
		return nil, nil
	}
	end := s.LastActivityTime
	duration := int64(end.Sub(s.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}
	s.EndTime = &end
	s.DurationSeconds = &duration
	s.IsActive = false
	s.IsPaused = false
	s.EndReason = models.EndReasonTimeout
	s.Version++
	s.UpdatedAt = m.now()
	return s.Clone(), nil
}

func (m *MemoryActivityStore) ListSessionsForDay(ctx context.Context, userID uuid.UUID, date time.Time) ([]*models.RealTimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.RealTimeSession
	for _, s := range m.sessions {
		if s.UserID == userID && s.Date.Equal(date) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (m *MemoryActivityStore) ListActiveSessions(ctx context.Context, limit int) ([]*models.RealTimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.RealTimeSession
	for _, s := range m.sessions {
		if s.IsActive {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityTime.After(out[j].LastActivityTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryActivityStore) UpsertDailySummary(ctx context.Context, d *models.DailySummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *d
	c.UpdatedAt = m.now()
	m.summaries[summaryKey{userID: d.UserID, date: d.Date}] = &c
	return nil
}

func (m *MemoryActivityStore) GetDailySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.summaries[summaryKey{userID: userID, date: date}]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (m *MemoryActivityStore) AppendActivityLog(ctx context.Context, e *models.ActivityLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLogID++
	e.ID = m.nextLogID
	c := *e
	m.logs = append(m.logs, &c)
	return nil
}

// ActivityLog returns a copy of the audit log, oldest first.
func (m *MemoryActivityStore) ActivityLog() []models.ActivityLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ActivityLogEntry, 0, len(m.logs))
	for _, e := range m.logs {
		out = append(out, *e)
	}
	return out
}

func (m *MemoryActivityStore) DeleteOlderThan(ctx context.Context, before time.Time) (RetentionResult, error) {
	if err := ctx.Err(); err != nil {
		return RetentionResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var res RetentionResult
	for id, s := range m.sessions {
		if s.Date.Before(before) {
			delete(m.sessions, id)
			res.Sessions++
		}
	}
	kept := m.logs[:0]
	for _, e := range m.logs {
		if e.Date.Before(before) {
			res.LogEntries++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return res, nil
}

// activeLocked returns the stored (not cloned) active row for the key; the
// caller must hold mu.
func (m *MemoryActivityStore) activeLocked(userID, sessionID uuid.UUID, date time.Time) *models.RealTimeSession {
	for _, s := range m.sessions {
		if s.IsActive && s.UserID == userID && s.SessionID == sessionID && s.Date.Equal(date) {
			return s
		}
	}
	return nil
}
