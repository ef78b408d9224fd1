package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"redaction-pipeline/internal/bootstrap"
	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/orchestrator"
	"redaction-pipeline/internal/queue"
	"redaction-pipeline/internal/registry"
	"redaction-pipeline/internal/storage"
	"redaction-pipeline/internal/store"
	"redaction-pipeline/internal/telemetry"
	workerproc "redaction-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	blobs, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Error("init storage", "error", err)
		os.Exit(1)
	}

	pipe, err := bootstrap.Pipeline(cfg, logger)
	if err != nil {
		logger.Error("init pipeline", "error", err)
		os.Exit(1)
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)

	runs := registry.NewRuns()
	defer runs.Close()
	orch := orchestrator.New(orchestrator.Options{
		Store:    st,
		Blobs:    blobs,
		Queue:    q,
		Locker:   registry.NewRedisLocker(client),
		Runs:     runs,
		Runner:   pipe,
		LeaseTTL: cfg.JobLeaseTTL,
		Logger:   logger,
	})

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, orch, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
