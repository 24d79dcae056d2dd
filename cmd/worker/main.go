package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/notify"
	"closing-automation/internal/queue"
	"closing-automation/internal/store"
	"closing-automation/internal/telemetry"
	workerproc "closing-automation/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run one bounded batch, print the invocation result and exit")
	parallel := flag.Int("parallel", 1, "number of concurrent invocations in -once mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	uploader, err := workerproc.NewUploader(ctx, cfg.Output)
	if err != nil {
		logger.Fatal("init uploader", zap.Error(err))
	}

	notes := notify.NewManager(st, queue.NewDeferred(rdb, cfg.DeferredKey), cfg.Notification, logger)
	exec := workerproc.NewExecutor(st, cfg.Worker, logger)
	workerproc.RegisterDefaults(exec, workerproc.Deps{
		Closings:    st,
		Notifier:    notes,
		Uploader:    uploader,
		ReviewRatio: cfg.Recovery.ReviewRatio,
	})
	processor := workerproc.NewProcessor(st, exec, queue.NewDeadLetter(rdb, cfg.DLQName), cfg.Worker, logger)

	if *once {
		results, err := processor.RunParallel(ctx, *parallel)
		_ = json.NewEncoder(os.Stdout).Encode(results)
		if err != nil {
			logger.Error("worker invocation failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("batch_size", cfg.Worker.BatchSize),
		zap.Duration("poll_interval", cfg.Worker.PollInterval),
		zap.Duration("backoff_initial", cfg.Worker.RetryBackoffInitial))
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
