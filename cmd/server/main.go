package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("driver", cfg.DatabaseDriver).
		Bool("clamp_auto_submit", cfg.ClampAutoSubmit).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to the Database ───────────────────────────────────────
	store, closeStore, err := database.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer closeStore()

	// ─── Connect to Redis (optional) ───────────────────────────────────
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	} else {
		log.Warn().Msg("REDIS_URL not set: proctor events are written directly and the live monitor only polls")
	}

	clk := clock.Real{}
	m := metrics.New()

	// ─── Initialize Services ──────────────────────────────────────────
	monitorService := service.NewMonitorService(rdb, log)
	engine := service.NewSubmissionEngine(store, monitorService, m, clk, cfg.ClampAutoSubmit, log)
	writeGuard := service.NewWriteGuard(store.Attempts, clk)
	ownerGuard := service.NewOwnershipGuard(store.Attempts, store.Exams)
	attemptService := service.NewAttemptService(store, engine, writeGuard, ownerGuard, monitorService, m, clk, log)
	reviewService := service.NewReviewService(store, ownerGuard, monitorService, clk, log)
	authService := service.NewAuthService(cfg, store.Users, clk)

	var sink service.EventSink = service.NewDirectSink(store.ProctorEvents)
	if rdb != nil {
		sink = service.NewQueueSink(rdb)
		m.WatchQueue("proctor_events", func() float64 {
			qctx, qcancel := context.WithTimeout(context.Background(), time.Second)
			defer qcancel()
			return float64(rdb.LLen(qctx, config.WorkerKey.PersistProctorEventsQueue).Val())
		})
	}
	proctorService := service.NewProctorService(ownerGuard, sink, monitorService, m, clk, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, log),
		Attempt: handler.NewAttemptHandler(attemptService, proctorService, log),
		Review:  handler.NewReviewHandler(reviewService, log),
		Monitor: handler.NewMonitorHandler(reviewService, monitorService, log),
		WS:      handler.NewWSHandler(attemptService, proctorService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{}, 3)
	workers := 0

	if rdb != nil {
		proctorWorker := worker.NewProctorEventWorker(store.ProctorEvents, rdb, log)
		workers++
		go func() { proctorWorker.Start(workerCtx); workersDone <- struct{}{} }()
	}
	if cfg.ExpirySweepInterval > 0 {
		expiryWorker := worker.NewExpiryWorker(attemptService, cfg.ExpirySweepInterval, m, log)
		workers++
		go func() { expiryWorker.Start(workerCtx); workersDone <- struct{}{} }()
	}

	loginLimiter := middleware.NewRateLimiter(cfg.LoginRatePerMinute, time.Minute, clk)
	workers++
	go func() { loginLimiter.Run(workerCtx); workersDone <- struct{}{} }()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, router.Options{
		Metrics:      m,
		LoginLimiter: loginLimiter,
	})

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for the queue buffer to drain.
	workerCancel()
	deadline := time.After(10 * time.Second)
wait:
	for workers > 0 {
		select {
		case <-workersDone:
			workers--
		case <-deadline:
			log.Warn().Int("pending", workers).Msg("Workers did not stop in time")
			break wait
		}
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
