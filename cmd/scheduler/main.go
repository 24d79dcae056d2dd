package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"closing-automation/internal/config"
	"closing-automation/internal/lock"
	"closing-automation/internal/logging"
	"closing-automation/internal/notify"
	"closing-automation/internal/queue"
	"closing-automation/internal/recovery"
	"closing-automation/internal/scheduler"
	"closing-automation/internal/store"
	"closing-automation/internal/telemetry"
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

	lockDSN := cfg.Schedule.LockDSN
	if lockDSN == "" {
		lockDSN = cfg.PostgresDSN
	}
	lockDB, err := lock.Open(lockDSN)
	if err != nil {
		logger.Fatal("open lock db", zap.Error(err))
	}
	defer lockDB.Close()

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	dlq := queue.NewDeadLetter(rdb, cfg.DLQName)
	notes := notify.NewManager(st, queue.NewDeferred(rdb, cfg.DeferredKey), cfg.Notification, logger)
	engine := recovery.NewEngine(st, notes, dlq, cfg.Recovery, logger)

	sched := scheduler.New(lock.NewAdvisory(lockDB), logger)
	for _, job := range scheduler.Jobs(cfg.Schedule, engine, notes, logger) {
		if err := sched.Add(ctx, job); err != nil {
			logger.Fatal("schedule sweep", zap.Error(err))
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	sched.Start()
	<-ctx.Done()
	sched.Stop()
}
