package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"presence-backend/internal/models"
)

const (
	SummaryQueue = "queue:summary-recompute"

	blpopTimeout = 5 * time.Second
	lockTTL      = 2 * time.Minute
	maxAttempts  = 3
)

// Recomputer rebuilds one daily summary.
type Recomputer interface {
	RecomputeDailySummary(ctx context.Context, userID uuid.UUID, date time.Time) (*models.DailySummary, error)
}

type summaryTrigger interface {
	Trigger(ctx context.Context, userID uuid.UUID, date time.Time)
}

// Queue hands summary recomputes to the worker pool through Redis. If the
// push fails the recompute runs inline instead, so a trigger is never lost
// to a Redis outage.
type Queue struct {
	redis    *redis.Client
	fallback summaryTrigger
	logger   slog.Logger
}

func NewQueue(redisClient *redis.Client, fallback summaryTrigger, logger slog.Logger) *Queue {
	return &Queue{redis: redisClient, fallback: fallback, logger: logger.Named("summary_queue")}
}

func (q *Queue) Trigger(ctx context.Context, userID uuid.UUID, date time.Time) {
	job := models.SummaryJob{
		UserID:     userID,
		Date:       date.Format(models.DateLayout),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := enqueue(ctx, q.redis, job); err != nil {
		q.logger.Warn(ctx, "enqueue summary job, recomputing inline",
			slog.F("user_id", userID),
			slog.Error(err),
		)
		if q.fallback != nil {
			q.fallback.Trigger(ctx, userID, date)
		}
	}
}

func enqueue(ctx context.Context, rdb *redis.Client, job models.SummaryJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal summary job: %w", err)
	}
	return rdb.LPush(ctx, SummaryQueue, b).Err()
}

// Pool consumes summary jobs. A per-(user, date) lock keeps two workers
// from recomputing the same summary at once; a job that finds the lock held
// is requeued rather than dropped so the later state is still summarized.
type Pool struct {
	redis        *redis.Client
	recomputer   Recomputer
	logger       slog.Logger
	workerCount  int
	requeueDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[*time.Timer]models.SummaryJob
	stopped bool
	timers  sync.WaitGroup
}

func NewPool(redisClient *redis.Client, recomputer Recomputer, workerCount int, logger slog.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		redis:        redisClient,
		recomputer:   recomputer,
		logger:       logger.Named("worker"),
		workerCount:  workerCount,
		requeueDelay: time.Second,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[*time.Timer]models.SummaryJob),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info(p.ctx, "started summary workers", slog.F("count", p.workerCount))
}

// Stop cancels in-flight BLPOPs and waits for every worker to return. Jobs
// still waiting out a requeue backoff are pushed back immediately, so they
// survive the shutdown.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.stopped = true
	pending := p.pending
	p.pending = make(map[*time.Timer]models.SummaryJob)
	p.mu.Unlock()

	for timer, job := range pending {
		if timer.Stop() {
			p.timers.Done()
		}
		p.push(job)
	}
	p.timers.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(slog.F("worker", id))

	for {
		if p.ctx.Err() != nil {
			logger.Debug(context.Background(), "worker shutting down")
			return
		}

		result, err := p.redis.BLPop(p.ctx, blpopTimeout, SummaryQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && p.ctx.Err() == nil {
				logger.Warn(p.ctx, "blpop failed", slog.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		if err := p.handle(p.ctx, result[1]); err != nil {
			logger.Error(p.ctx, "summary job failed", slog.Error(err))
		}
	}
}

func (p *Pool) handle(ctx context.Context, payload string) error {
	var job models.SummaryJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("parse summary job: %w", err)
	}
	date, err := models.ParseDay(job.Date)
	if err != nil {
		return fmt.Errorf("parse summary job date %q: %w", job.Date, err)
	}

	lockKey := fmt.Sprintf("summary_lock:%s:%s", job.UserID, job.Date)
	locked, err := p.redis.SetNX(ctx, lockKey, "1", lockTTL).Result()
	if err != nil {
		p.requeue(job)
		return fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !locked {
		p.requeue(job)
		return nil
	}
	defer p.redis.Del(context.Background(), lockKey)

	if _, err := p.recomputer.RecomputeDailySummary(ctx, job.UserID, date); err != nil {
		job.Attempts++
		if job.Attempts < maxAttempts {
			p.requeue(job)
		}
		return fmt.Errorf("recompute %s/%s (attempt %d): %w", job.UserID, job.Date, job.Attempts, err)
	}
	return nil
}

func (p *Pool) requeue(job models.SummaryJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.push(job)
		return
	}

	backoff := p.requeueDelay * time.Duration(1<<uint(job.Attempts))
	p.timers.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(backoff, func() {
		defer p.timers.Done()
		p.mu.Lock()
		_, owned := p.pending[timer]
		delete(p.pending, timer)
		p.mu.Unlock()
		// Stop took the job over.
		if !owned {
			return
		}
		p.push(job)
	})
	p.pending[timer] = job
}

func (p *Pool) push(job models.SummaryJob) {
	if err := enqueue(context.Background(), p.redis, job); err != nil {
		p.logger.Warn(context.Background(), "requeue summary job", slog.F("user_id", job.UserID), slog.Error(err))
	}
}
