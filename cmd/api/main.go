package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "redaction-pipeline/internal/api"
	"redaction-pipeline/internal/auth"
	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/orchestrator"
	"redaction-pipeline/internal/queue"
	"redaction-pipeline/internal/ratelimit"
	"redaction-pipeline/internal/registry"
	"redaction-pipeline/internal/storage"
	"redaction-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

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

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// The API only submits and cancels; workers run the pipeline.
	orch := orchestrator.New(orchestrator.Options{
		Store:    st,
		Blobs:    blobs,
		Queue:    q,
		Locker:   registry.NewRedisLocker(client),
		Runs:     registry.NewRuns(),
		LeaseTTL: cfg.JobLeaseTTL,
		Logger:   logger,
	})

	server := api.New(cfg, api.Deps{
		Store:    st,
		Blobs:    blobs,
		Jobs:     orch,
		DLQ:      q,
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Limiter:  limiter,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
