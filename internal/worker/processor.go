package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/telemetry"
)

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DLQPush(ctx context.Context, jobID string) error
	SubscribeCancel(ctx context.Context) (<-chan string, error)
}

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string) error
	Abort(jobID string) bool
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	runner   Runner
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q JobQueue, runner Runner, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, runner, "", logger)
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q JobQueue, runner Runner, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		workerID: workerID,
		logger:   logger.With("worker_id", workerID),
	}
}

// Run starts the cancel listener, the lease reaper and WorkerConcurrency job
// loops, and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	cancels, err := p.queue.SubscribeCancel(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for id := range cancels {
			if p.runner.Abort(id) {
				p.logger.Info("aborting job on cancel notice", "job_id", id)
			}
		}
		return nil
	})
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}
	p.logger.Info("worker started", "concurrency", p.cfg.WorkerConcurrency, "visibility", p.cfg.VisibilityTimeout)
	return g.Wait()
}

// maintain returns expired leases to the ready list and samples the queue depth.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.logger.Warn("requeued expired leases", "jobs", reclaimed)
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dequeue failed", "error", err)
		}
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.process(ctx, jobID)
	}
}

// process runs one job while keeping its queue lease alive.
func (p *Processor) process(ctx context.Context, jobID string) {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, jobID)
	}()

	err := p.runner.Run(ctx, jobID)
	stop()
	wg.Wait()

	settle := context.WithoutCancel(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("job could not be processed", "job_id", jobID, "error", err)
		_ = p.queue.DLQPush(settle, jobID)
	}
	_ = p.queue.Ack(settle, jobID)
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				p.logger.Warn("extend lease failed", "job_id", jobID, "error", err)
			}
		}
	}
}
