package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/backend"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/database"
	"github.com/stemsi/exstem-gateway/internal/dedup"
	"github.com/stemsi/exstem-gateway/internal/engine"
	"github.com/stemsi/exstem-gateway/internal/handler"
	"github.com/stemsi/exstem-gateway/internal/logger"
	"github.com/stemsi/exstem-gateway/internal/middleware"
	"github.com/stemsi/exstem-gateway/internal/repository"
	"github.com/stemsi/exstem-gateway/internal/router"
	"github.com/stemsi/exstem-gateway/internal/service"
	"github.com/stemsi/exstem-gateway/internal/storage"
	"github.com/stemsi/exstem-gateway/internal/validator"
	"github.com/stemsi/exstem-gateway/internal/websocket"
	"github.com/stemsi/exstem-gateway/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("backend", cfg.BackendURL).
		Str("upload_mode", cfg.UploadMode).
		Msg("Starting ExStem Gateway")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Backend Client ────────────────────────────────────────────────
	client := backend.New(backend.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.BackendTimeout,
		Logger:  log,
	})
	group := dedup.New(dedup.Options{Redis: rdb, LockTTL: cfg.DedupLockTTL, Logger: log})
	lms := backend.NewDeduplicated(client, group, backend.StaleTimes{
		Results:      cfg.ResultStale,
		Certificates: cfg.CertificateStale,
	})

	var uploader engine.Uploader = client
	if cfg.UploadMode == config.UploadModeLocal {
		uploader = storage.NewFileStore(cfg.UploadDir, cfg.UploadBaseURL, cfg.MaxUploadBytes, log)
	}

	// ─── Journal ───────────────────────────────────────────────────────
	eventRepo := repository.NewAttemptEventRepository(pool)
	queue := worker.NewQueue(rdb)

	// ─── Realtime Fan-out ──────────────────────────────────────────────
	hub := websocket.NewHub(log)
	relay := websocket.NewRelay(hub, rdb, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	sessionService := service.NewSessionService(service.SessionServiceDeps{
		Config:      cfg,
		Backend:     lms,
		Uploader:    uploader,
		Redis:       rdb,
		Journal:     queue,
		Events:      eventRepo,
		Broadcaster: relay,
		Auth:        authService,
		Logger:      log,
	})

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, cfg.MaxUploadBytes, log),
		Proctor: handler.NewProctorHandler(sessionService, log),
		WS:      handler.NewWSHandler(hub, sessionService, log, cfg.AllowedOrigins),
		Health: handler.NewHealthHandler(map[string]func(context.Context) error{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}, sessionService),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	journalWorker := worker.NewJournalWorker(eventRepo, rdb, log)
	snapshotWorker := worker.NewSnapshotWorker(eventRepo, rdb, log)
	feedbackLimiter := middleware.NewRateLimiter(10, time.Minute)

	go journalWorker.Start(workerCtx)
	go snapshotWorker.Start(workerCtx)
	go relay.Run(workerCtx)
	go sessionService.StartReaper(workerCtx)
	go feedbackLimiter.RunCleanup(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(router.Deps{
		Auth:            authService,
		Sessions:        sessionService,
		FeedbackLimiter: feedbackLimiter,
	}, handlers, cfg)

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

	// 2. Close live sessions and wait for in-flight submissions to reach the
	// backend. Outcomes arriving after close are not published.
	sessionService.Shutdown()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
