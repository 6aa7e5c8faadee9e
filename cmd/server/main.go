package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"cdr.dev/slog/v3/sloggers/slogjson"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"presence-backend/internal/config"
	"presence-backend/internal/database"
	"presence-backend/internal/handlers"
	"presence-backend/internal/metrics"
	"presence-backend/internal/middleware"
	"presence-backend/internal/repository"
	"presence-backend/internal/router"
	"presence-backend/internal/services"
	"presence-backend/internal/websocket"
	"presence-backend/internal/worker"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	logger := newLogger(cfg)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		logger.Fatal(ctx, "invalid configuration", slog.Error(err))
	}
	logger.Info(ctx, "starting presence backend",
		slog.F("env", cfg.Env),
		slog.F("store", cfg.StoreDriver),
		slog.F("aggregation", cfg.AggregationMode),
	)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(ctx, "server exited", slog.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger slog.Logger) error {
	clock := quartz.NewReal()
	loc := cfg.Location()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// ──── Step 2: Initialize the Activity Store ────
	var (
		store    services.ActivityStore
		userRepo *repository.UserRepo
	)
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		logger.Info(ctx, "database migrations applied")

		pool, err := database.NewPostgresPool(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres connection failed: %w", err)
		}
		defer pool.Close()
		store = repository.NewActivityRepo(pool, repository.WithRetentionBatch(cfg.SweepBatchSize))
		if cfg.CheckUserActive {
			userRepo = repository.NewUserRepo(pool)
		}
		logger.Info(ctx, "postgres connected")
	default:
		store = repository.NewMemoryActivityStore()
		logger.Warn(ctx, "using in-memory activity store; data is lost on restart")
	}

	// ──── Step 3: Initialize Redis Clients (optional) ────
	var redisClients *database.RedisClients
	if cfg.RedisURL != "" {
		var err error
		redisClients, err = database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisClients.Close()
		logger.Info(ctx, "redis connected")
	}

	// ──── Step 4: Session Engine ────
	aggregator := services.NewAggregator(store, logger, m, clock)
	var trigger services.SummaryTrigger = aggregator
	var workerPool *worker.Pool
	if cfg.AggregationMode == config.AggregationQueue {
		trigger = worker.NewQueue(redisClients.Queue, aggregator, logger)
		workerPool = worker.NewPool(redisClients.Queue, aggregator, cfg.AggregationWorkers, logger)
	}

	tracker := services.NewTracker(store, trigger, services.TrackerConfig{
		PauseThreshold:    cfg.PauseThreshold,
		ForceEndThreshold: cfg.ForceEndThreshold,
		StoreTimeout:      cfg.ActivityStoreTimeout,
		Location:          loc,
	}, logger, m, services.WithTrackerClock(clock))

	// ──── Step 5: WebSocket Hub ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	var authenticator services.Authenticator
	if userRepo != nil {
		authenticator = services.NewTokenAuthenticator(jwtAuth, userRepo)
	} else {
		authenticator = services.NewTokenAuthenticator(jwtAuth, nil)
	}

	hubOpts := []websocket.HubOption{websocket.WithClock(clock)}
	var locker services.Locker
	if redisClients != nil {
		hubOpts = append(hubOpts, websocket.WithRedis(redisClients.PubSub))
		locker = redisClients
	}
	wsHub := websocket.NewHub(tracker, authenticator, logger, m, hubOpts...)

	// ──── Step 6: Background Jobs ────
	sweeper := services.NewSweeper(tracker, store, trigger, wsHub, services.SweeperConfig{
		PauseInterval:    cfg.PauseSweepInterval,
		ForceEndInterval: cfg.ForceEndSweepInterval,
		BatchSize:        cfg.SweepBatchSize,
	}, logger, m, clock)
	retention := services.NewRetention(store, locker, services.RetentionConfig{
		RetentionDays: cfg.RetentionDays,
		Interval:      cfg.RetentionSweepInterval,
		Location:      loc,
	}, logger, m, clock)

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	sweeper.Start(bgCtx)
	retention.Start(bgCtx)
	if workerPool != nil {
		workerPool.Start()
	}

	wsLimiter := middleware.NewRateLimiter(cfg.WSRateLimitPerMinute, time.Minute, clock)
	wsLimiter.StartCleanup(bgCtx)

	// ──── Step 7: Start HTTP Server ────
	activityHandler := handlers.NewActivityHandler(tracker, logger)
	presenceHandler := handlers.NewPresenceHandler(wsHub, store, aggregator, loc)

	r := router.New(
		logger,
		jwtAuth,
		tracker,
		activityHandler,
		presenceHandler,
		wsHub,
		wsLimiter,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(sigCtx)
	eg.Go(func() error {
		logger.Info(ctx, "presence backend ready",
			slog.F("api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port)),
			slog.F("ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port)),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		// Live connections end their sessions before the store goes away.
		if hubErr := wsHub.Close(shutdownCtx); hubErr != nil {
			logger.Warn(ctx, "closing websocket hub", slog.Error(hubErr))
		}
		cancelBackground()
		if sweepErr := sweeper.Close(); sweepErr != nil {
			logger.Warn(ctx, "stopping sweeper", slog.Error(sweepErr))
		}
		retention.Close()
		if workerPool != nil {
			workerPool.Stop()
		}
		return err
	})

	return eg.Wait()
}

func newLogger(cfg *config.Config) slog.Logger {
	var sink slog.Sink
	if cfg.IsProduction() {
		sink = slogjson.Sink(os.Stderr)
	} else {
		sink = sloghuman.Sink(os.Stderr)
	}
	return slog.Make(sink).Leveled(parseLevel(cfg.LogLevel))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
