package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"closing-automation/internal/api"
	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/notify"
	"closing-automation/internal/queue"
	"closing-automation/internal/ratelimit"
	"closing-automation/internal/recovery"
	"closing-automation/internal/store"
	"closing-automation/internal/stress"
	"closing-automation/internal/telemetry"
	"closing-automation/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(cfg.TracingEnabled)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	dlq := queue.NewDeadLetter(rdb, cfg.DLQName)
	deferred := queue.NewDeferred(rdb, cfg.DeferredKey)
	limiter := ratelimit.NewTokenBucket(rdb, "rl", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	uploader, err := worker.NewUploader(ctx, cfg.Output)
	if err != nil {
		logger.Fatal("init uploader", zap.Error(err))
	}

	notes := notify.NewManager(st, deferred, cfg.Notification, logger)
	exec := worker.NewExecutor(st, cfg.Worker, logger)
	worker.RegisterDefaults(exec, worker.Deps{
		Closings:    st,
		Notifier:    notes,
		Uploader:    uploader,
		ReviewRatio: cfg.Recovery.ReviewRatio,
	})

	server := api.New(cfg, api.Deps{
		Tasks:         st,
		Worker:        worker.NewProcessor(st, exec, dlq, cfg.Worker, logger),
		Recovery:      recovery.NewEngine(st, notes, dlq, cfg.Recovery, logger),
		Notifications: notes,
		Stress:        stress.NewHarness(exec, st, limiter, cfg.Stress, logger),
		DLQ:           dlq,
		Limiter:       limiter,
		Ping:          st.Ping,
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("env", cfg.Env))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}
