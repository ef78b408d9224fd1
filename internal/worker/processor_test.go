package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/queue"
)

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	aborted []string
	fail    map[string]error
	block   chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.ran = append(f.ran, jobID)
	err := f.fail[jobID]
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return err
}

func (f *fakeRunner) Abort(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, jobID)
	return true
}

func (f *fakeRunner) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...), append([]string(nil), f.aborted...)
}

func setup(t *testing.T) (*queue.RedisQueue, config.Config) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		VisibilityTimeout:  time.Minute,
		WorkerPollInterval: 20 * time.Millisecond,
		WorkerConcurrency:  2,
		DLQName:            "queue:dlq",
	}
	return queue.NewRedisQueue(client, cfg), cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestProcessorRunsQueuedJobs(t *testing.T) {
	q, cfg := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	runner := &fakeRunner{}
	p := NewProcessorWithID(cfg, q, runner, "w-1", quietLogger())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	eventually(t, func() bool {
		ran, _ := runner.snapshot()
		return len(ran) == 3
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	ran, _ := runner.snapshot()
	sort.Strings(ran)
	if diff := cmp.Diff([]string{"job-1", "job-2", "job-3"}, ran); diff != "" {
		t.Fatalf("ran (-want +got):\n%s", diff)
	}
	depth, _ := q.ReadyDepth(context.Background())
	if depth != 0 {
		t.Fatalf("ready depth=%d", depth)
	}
	// acked jobs are not reclaimed
	reclaimed, err := q.RequeueExpired(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("reclaimed=%v err=%v", reclaimed, err)
	}
}

func TestProcessorDeadLettersUnprocessableJobs(t *testing.T) {
	q, cfg := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, "broken"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runner := &fakeRunner{fail: map[string]error{"broken": errors.New("job broken: not found")}}
	p := NewProcessor(cfg, q, runner, quietLogger())
	go func() { _ = p.Run(ctx) }()

	eventually(t, func() bool {
		ids, err := q.DLQPeek(context.Background(), 10)
		return err == nil && len(ids) == 1 && ids[0] == "broken"
	})
}

func TestProcessorForwardsCancelNotices(t *testing.T) {
	q, cfg := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)
	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p := NewProcessor(cfg, q, runner, quietLogger())
	go func() { _ = p.Run(ctx) }()

	eventually(t, func() bool {
		ran, _ := runner.snapshot()
		return len(ran) == 1
	})
	if err := q.PublishCancel(ctx, "job-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, func() bool {
		_, aborted := runner.snapshot()
		return len(aborted) == 1 && aborted[0] == "job-1"
	})
}
