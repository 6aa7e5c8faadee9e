package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"presence-backend/internal/metrics"
	"presence-backend/internal/models"
	"presence-backend/internal/repository"
)

const (
	sweepPause    = "pause"
	sweepForceEnd = "force_end"
)

type SweeperConfig struct {
	PauseInterval    time.Duration
	ForceEndInterval time.Duration
	BatchSize        int
}

// Sweeper runs the two periodic timeout scans: flagging idle rows as paused
// and closing rows idle past the force-end threshold. Each row transition is
// a conditional write, so overlapping sweeps on several instances are safe.
type Sweeper struct {
	tracker  *Tracker
	store    ActivityStore
	trigger  SummaryTrigger
	notifier Notifier
	clock    quartz.Clock
	logger   slog.Logger
	metrics  *metrics.Metrics
	cfg      SweeperConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewSweeper(tracker *Tracker, store ActivityStore, trigger SummaryTrigger, notifier Notifier, cfg SweeperConfig, logger slog.Logger, m *metrics.Metrics, clock quartz.Clock) *Sweeper {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Sweeper{
		tracker:  tracker,
		store:    store,
		trigger:  trigger,
		notifier: notifier,
		clock:    clock,
		logger:   logger.Named("sweeper"),
		metrics:  m,
		cfg:      cfg,
	}
}

// Start runs each sweep once immediately and then on its interval until
// Close is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group = &errgroup.Group{}
	s.group.Go(func() error {
		return s.loop(ctx, sweepPause, s.cfg.PauseInterval, s.SweepPauses)
	})
	s.group.Go(func() error {
		return s.loop(ctx, sweepForceEnd, s.cfg.ForceEndInterval, s.SweepForcedEnds)
	})

	s.logger.Info(ctx, "sweeper started",
		slog.F("pause_interval", s.cfg.PauseInterval),
		slog.F("force_end_interval", s.cfg.ForceEndInterval),
	)
}

// Close stops both loops and waits for an in-flight sweep to return.
func (s *Sweeper) Close() error {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context, time.Time) (int, error)) error {
	tick := func() error {
		n, err := sweep(ctx, s.clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.metrics.SweepFailures.WithLabelValues(name).Inc()
			s.logger.Error(ctx, "sweep failed", slog.F("sweep", name), slog.Error(err))
		}
		if n > 0 {
			s.logger.Debug(ctx, "sweep transitioned rows", slog.F("sweep", name), slog.F("rows", n))
		}
		return nil
	}

	// Run on startup as well as by interval.
	_ = tick()
	err := s.clock.TickerFunc(ctx, interval, tick, "sweeper", name).Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SweepPauses flags every active row idle longer than the pause threshold as
// of now. It returns how many rows it transitioned.
func (s *Sweeper) SweepPauses(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.store.FindStale(ctx, repository.StaleFilter{
		Before:       now.Add(-s.tracker.PauseThreshold()),
		OnlyUnpaused: true,
		Limit:        s.cfg.BatchSize,
	})
	if err != nil {
		return 0, unavailable("find stale for pause", err)
	}

	var errs []error
	paused := 0
	for _, r := range rows {
		row, err := s.tracker.ForcePause(ctx, r.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if row != nil {
			paused++
		}
	}
	s.metrics.SweepRows.WithLabelValues(sweepPause).Add(float64(paused))
	return paused, errors.Join(errs...)
}

// SweepForcedEnds closes every active row idle longer than the force-end
// threshold as of now, recomputes the affected daily summaries and tells the
// owners' live connections.
func (s *Sweeper) SweepForcedEnds(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.store.FindStale(ctx, repository.StaleFilter{
		Before:    now.Add(-s.tracker.ForceEndThreshold()),
		Inclusive: true,
		Limit:     s.cfg.BatchSize,
	})
	if err != nil {
		return 0, unavailable("find stale for force end", err)
	}

	type dayKey struct {
		userID uuid.UUID
		date   time.Time
	}
	affected := make(map[dayKey]struct{})
	var errs []error
	ended := 0

	for _, r := range rows {
		row, err := s.tracker.ForceEnd(ctx, r.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if row == nil {
			continue
		}
		ended++
		affected[dayKey{userID: row.UserID, date: row.Date}] = struct{}{}
		s.notifyTimeout(ctx, row)
	}

	if s.trigger != nil {
		for k := range affected {
			s.trigger.Trigger(ctx, k.userID, k.date)
		}
	}
	s.metrics.SweepRows.WithLabelValues(sweepForceEnd).Add(float64(ended))
	return ended, errors.Join(errs...)
}

func (s *Sweeper) notifyTimeout(ctx context.Context, row *models.RealTimeSession) {
	if s.notifier == nil {
		return
	}
	ev := models.SessionTimeoutEvent{SessionID: row.SessionID}
	if row.EndTime != nil {
		ev.EndedAt = *row.EndTime
	}
	if row.DurationSeconds != nil {
		ev.DurationSeconds = *row.DurationSeconds
	}
	msg := models.WSMessage{Type: models.WSTypeSessionTimeout, Payload: ev}
	if err := s.notifier.NotifyUser(ctx, row.UserID, msg); err != nil {
		s.logger.Warn(ctx, "notify session timeout",
			slog.F("user_id", row.UserID),
			slog.Error(err),
		)
	}
}
