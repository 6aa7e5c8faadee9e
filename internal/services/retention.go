package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"presence-backend/internal/metrics"
	"presence-backend/internal/models"
	"presence-backend/internal/repository"
)

const retentionLockKey = "lock:presence-retention"

type RetentionConfig struct {
	RetentionDays int
	Interval      time.Duration
	Location      *time.Location
}

// Retention periodically deletes session rows and audit log entries older
// than the retention window. Daily summaries are kept.
type Retention struct {
	store   ActivityStore
	locker  Locker
	clock   quartz.Clock
	logger  slog.Logger
	metrics *metrics.Metrics
	cfg     RetentionConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetention builds the cleanup job. locker may be nil for a single
// instance; otherwise only the instance holding the lock purges per tick.
func NewRetention(store ActivityStore, locker Locker, cfg RetentionConfig, logger slog.Logger, m *metrics.Metrics, clock quartz.Clock) *Retention {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Retention{
		store:   store,
		locker:  locker,
		clock:   clock,
		logger:  logger.Named("retention"),
		metrics: m,
		cfg:     cfg,
	}
}

func (r *Retention) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.cfg.RetentionDays <= 0 {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		tick := func() error {
			if _, _, err := r.Purge(ctx, r.clock.Now()); err != nil && ctx.Err() == nil {
				r.logger.Error(ctx, "retention purge failed", slog.Error(err))
			}
			return nil
		}
		_ = tick()
		_ = r.clock.TickerFunc(ctx, r.cfg.Interval, tick, "retention").Wait()
	}()
}

func (r *Retention) Close() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Cutoff is the first calendar date that is retained as of now.
func (r *Retention) Cutoff(now time.Time) time.Time {
	return models.Day(now, r.cfg.Location).AddDate(0, 0, -r.cfg.RetentionDays)
}

// Purge deletes expired rows. ran is false when another instance holds the
// lock for this interval.
func (r *Retention) Purge(ctx context.Context, now time.Time) (res repository.RetentionResult, ran bool, err error) {
	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx, retentionLockKey, r.cfg.Interval/2)
		if err != nil {
			return res, false, fmt.Errorf("acquire retention lock: %w", err)
		}
		if !ok {
			r.logger.Debug(ctx, "retention lock held elsewhere")
			return res, false, nil
		}
	}

	cutoff := r.Cutoff(now)
	res, err = r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return res, true, unavailable("delete older than", err)
	}

	r.metrics.RetentionDeleted.WithLabelValues("real_time_sessions").Add(float64(res.Sessions))
	r.metrics.RetentionDeleted.WithLabelValues("activity_log").Add(float64(res.LogEntries))
	r.logger.Info(ctx, "retention purge complete",
		slog.F("cutoff", cutoff.Format(models.DateLayout)),
		slog.F("sessions", res.Sessions),
		slog.F("log_entries", res.LogEntries),
	)
	return res, true, nil
}
