package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"redaction-pipeline/internal/coords"
	"redaction-pipeline/internal/detect"
	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/ocr"
	"redaction-pipeline/internal/pipeline"
	"redaction-pipeline/internal/registry"
	"redaction-pipeline/internal/render"
	"redaction-pipeline/internal/storage"
	"redaction-pipeline/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []string
	removed   []string
	published []string
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, id)
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return nil
}

func (q *fakeQueue) PublishCancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, id)
	return nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(context.Context, string, []byte) ([]models.PageLayout, error) {
	return []models.PageLayout{{Width: 300, Height: 40, Words: []models.Word{
		{Text: "SSN:", Box: models.Box{X: 10, Y: 10, Width: 40, Height: 12}},
		{Text: "123-45-6789", Box: models.Box{X: 60, Y: 10, Width: 110, Height: 12}},
	}}}, nil
}

func (fakeExtractor) Forget(string) {}

type runnerFunc func(ctx context.Context, in pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error)

func (f runnerFunc) Run(ctx context.Context, in pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error) {
	return f(ctx, in, hooks)
}

type harness struct {
	orch   *Orchestrator
	store  *store.Memory
	blobs  *storage.Local
	queue  *fakeQueue
	locker *registry.MemoryLocker
	opts   Options
	doc    models.Document
}

// withLeaseTTL rebuilds the orchestrator with a different lease duration.
func (h *harness) withLeaseTTL(ttl time.Duration) {
	h.opts.LeaseTTL = ttl
	h.orch = New(h.opts)
}

func newHarness(t *testing.T, runner Runner) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	blobs := storage.NewLocal(t.TempDir())
	q := &fakeQueue{}

	if runner == nil {
		runner = pipeline.New(fakeExtractor{}, detect.New(nil, detect.DefaultOptions(), logger), coords.New(coords.DefaultTolerance), render.New(0), logger)
	}

	img := image.NewNRGBA(image.Rect(0, 0, 300, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.White)
		}
	}
	page, err := document.EncodePNG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ctx := context.Background()
	doc := models.Document{
		ID:          "doc-1",
		OwnerID:     "alice",
		FileName:    "scan.png",
		ContentType: document.ContentTypePNG,
		Size:        int64(len(page)),
		SourceKey:   storage.SourceKey("doc-1", ".png"),
		Status:      models.DocumentPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := blobs.Put(ctx, doc.SourceKey, page, doc.ContentType); err != nil {
		t.Fatalf("put source: %v", err)
	}
	if err := st.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	tmpl := models.RedactionTemplate{
		ID:         "ssn-only",
		OwnerID:    "alice",
		Name:       "SSN only",
		Categories: []models.RedactionCategory{{Type: "SSN", Patterns: []string{`\d{3}-\d{2}-\d{4}`}}},
	}
	if err := st.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	locker := registry.NewMemoryLocker()
	opts := Options{
		Store:    st,
		Blobs:    blobs,
		Queue:    q,
		Locker:   locker,
		Runs:     registry.NewRuns(),
		Runner:   runner,
		LeaseTTL: time.Minute,
		Logger:   logger,
	}
	return &harness{orch: New(opts), store: st, blobs: blobs, queue: q, locker: locker, opts: opts, doc: doc}
}

func TestSubmitAndRunSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusQueued || job.Progress != 0 {
		t.Fatalf("unexpected submitted job %+v", job)
	}
	if len(h.queue.enqueued) != 1 || h.queue.enqueued[0] != job.ID {
		t.Fatalf("job not enqueued: %v", h.queue.enqueued)
	}

	if err := h.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := h.orch.Job(ctx, "alice", job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if got.Status != models.StatusSucceeded || got.Progress != 100 || got.Error != nil {
		t.Fatalf("unexpected final job %+v", got)
	}

	doc, _ := h.store.GetDocument(ctx, "doc-1")
	if doc.Status != models.DocumentRedacted || doc.RedactedKey == nil {
		t.Fatalf("document not marked redacted: %+v", doc)
	}
	if _, err := h.blobs.Get(ctx, *doc.RedactedKey); err != nil {
		t.Fatalf("redacted artifact missing: %v", err)
	}
	rep, err := h.store.LatestReport(ctx, "doc-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.TotalEntities != 1 || rep.EntitiesByType["SSN"] != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	// the lease is free again
	if _, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only"); err != nil {
		t.Fatalf("resubmit after success: %v", err)
	}
}

func TestSubmitRejectsSecondActiveJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("conflicting job must not be enqueued")
	}
}

func TestSubmitChecksOwnership(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, "mallory", "doc-1", "ssn-only"); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.orch.Submit(ctx, "alice", "doc-1", "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for template, got %v", err)
	}
	if _, err := h.orch.Submit(ctx, "alice", "nope", "ssn-only"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for document, got %v", err)
	}
	if _, err := h.orch.Submit(ctx, "alice", "", ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := h.orch.Cancel(ctx, "alice", job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if len(h.queue.removed) != 1 {
		t.Fatalf("cancelled job should leave the queue")
	}

	// a late delivery must not resurrect it
	if err := h.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ = h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("cancelled job changed state to %s", got.Status)
	}
	if _, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only"); err != nil {
		t.Fatalf("lease not released: %v", err)
	}
}

func TestCancelRunningJobAbortsInFlightWork(t *testing.T) {
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error) {
		if err := hooks.Before(ctx, models.StageExtract); err != nil {
			return pipeline.Output{}, err
		}
		_ = hooks.After(ctx, models.StageExtract, time.Millisecond)
		close(started)
		<-ctx.Done()
		return pipeline.Output{}, &models.StageError{Stage: models.StageDetect, Err: ctx.Err()}
	})
	h := newHarness(t, runner)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, job.ID) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("job never started")
	}
	if _, err := h.orch.Cancel(ctx, "alice", job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}

	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", got)
	}
	if got.Progress != models.ProgressAfter(models.StageExtract) {
		t.Fatalf("progress should stay at last completed stage, got %d", got.Progress)
	}
	doc, _ := h.store.GetDocument(ctx, "doc-1")
	if doc.Status != models.DocumentPending || doc.RedactedKey != nil {
		t.Fatalf("cancelled job must not touch the document: %+v", doc)
	}
	if len(h.queue.published) != 0 {
		t.Fatalf("local run should be aborted without broadcasting")
	}
}

func TestCancelAtStageBoundary(t *testing.T) {
	var h *harness
	runner := runnerFunc(func(ctx context.Context, _ pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error) {
		for _, stage := range models.Stages {
			if err := hooks.Before(ctx, stage); err != nil {
				return pipeline.Output{}, err
			}
			if stage == models.StageFilter {
				// simulate a cancel that arrived from another process
				if _, err := h.store.RequestCancel(ctx, jobIDFrom(ctx)); err != nil {
					return pipeline.Output{}, err
				}
			}
			_ = hooks.After(ctx, stage, time.Millisecond)
		}
		return pipeline.Output{}, nil
	})
	h = newHarness(t, runner)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.orch.Run(context.WithValue(ctx, jobIDKey{}, job.ID), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusCancelled || got.Stage != models.StageFilter {
		t.Fatalf("expected cancel after filter, got %+v", got)
	}
}

type jobIDKey struct{}

func jobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

func TestFailedStageIsRecorded(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, _ pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error) {
		for _, stage := range []string{models.StageExtract, models.StageDetect, models.StageFilter, models.StageMap} {
			if err := hooks.Before(ctx, stage); err != nil {
				return pipeline.Output{}, err
			}
			_ = hooks.After(ctx, stage, time.Millisecond)
		}
		return pipeline.Output{}, &models.StageError{Stage: models.StageRender, Err: fmt.Errorf("%w: page 3 out of range", models.ErrRender)}
	})
	h := newHarness(t, runner)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusFailed || got.Stage != models.StageRender {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.Error == nil || *got.Error != "redacted output could not be written" {
		t.Fatalf("unexpected cause %v", got.Error)
	}
	if got.Progress != 60 {
		t.Fatalf("progress should reflect completed stages, got %d", got.Progress)
	}
	doc, _ := h.store.GetDocument(ctx, "doc-1")
	if doc.Status != models.DocumentPending {
		t.Fatalf("failed job must leave the document pending")
	}
	if _, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only"); err != nil {
		t.Fatalf("lease not released after failure: %v", err)
	}
}

func TestMissingSourceFailsExtract(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.blobs.Delete(ctx, h.doc.SourceKey); err != nil {
		t.Fatalf("delete: %v", err)
	}

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusFailed || got.Stage != models.StageExtract {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.Error == nil || *got.Error != "document could not be read" {
		t.Fatalf("unexpected cause %v", got.Error)
	}
	if strings.Contains(*got.Error, h.doc.SourceKey) {
		t.Fatalf("cause leaks the storage key: %q", *got.Error)
	}
}

type blockingEngine struct{}

func (blockingEngine) Name() string { return "blocking" }

func (blockingEngine) Recognize(ctx context.Context, _ ocr.Input) (ocr.Result, error) {
	<-ctx.Done()
	return ocr.Result{}, ctx.Err()
}

func TestOCRTimeoutFailsExtract(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	extractor := ocr.NewAdapter(blockingEngine{}, ocr.Options{Timeout: 30 * time.Millisecond}, logger)
	runner := pipeline.New(extractor, detect.New(nil, detect.DefaultOptions(), logger), coords.New(coords.DefaultTolerance), render.New(0), logger)
	h := newHarness(t, runner)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, job.ID) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not give up after the ocr timeout")
	}

	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusFailed || got.Stage != models.StageExtract {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.Error == nil || *got.Error != "extract stage timed out" {
		t.Fatalf("unexpected cause %v", got.Error)
	}
	doc, _ := h.store.GetDocument(ctx, "doc-1")
	if doc.Status != models.DocumentPending || doc.RedactedKey != nil {
		t.Fatalf("timed out job must leave the document pending: %+v", doc)
	}
	if _, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only"); err != nil {
		t.Fatalf("lease not released after timeout: %v", err)
	}
}

func TestQueuedJobHoldsDocumentPastLeaseTTL(t *testing.T) {
	h := newHarness(t, nil)
	h.withLeaseTTL(20 * time.Millisecond)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict while the first job waits in the queue, got %v", err)
	}
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("only one job may be queued, got %v", h.queue.enqueued)
	}

	h.withLeaseTTL(time.Minute)
	if err := h.orch.Run(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected the queued job to run, got %+v", got)
	}
}

func TestSubmitReclaimsLeaseOfFinishedJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// the job ends without its lease being released, as after a crash
	cause := "lost"
	if _, err := h.store.FinishJob(ctx, job.ID, models.StatusFailed, "", &cause); err != nil {
		t.Fatalf("finish: %v", err)
	}
	next, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit after stale lease: %v", err)
	}
	if holder, _, _ := h.locker.Holder(ctx, "doc-1"); holder != next.ID {
		t.Fatalf("lease holder %q, want %q", holder, next.ID)
	}
}

func TestLostLeaseFailsJob(t *testing.T) {
	var h *harness
	runner := runnerFunc(func(ctx context.Context, _ pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error) {
		if err := hooks.Before(ctx, models.StageExtract); err != nil {
			return pipeline.Output{}, err
		}
		_ = hooks.After(ctx, models.StageExtract, time.Millisecond)
		// the lease expires and another job takes the document
		_ = h.locker.Release(ctx, "doc-1", jobIDFrom(ctx))
		if ok, _ := h.locker.Acquire(ctx, "doc-1", "other-job", 0); !ok {
			return pipeline.Output{}, errors.New("could not take over the lease")
		}
		if err := hooks.Before(ctx, models.StageDetect); err != nil {
			return pipeline.Output{}, err
		}
		return pipeline.Output{}, nil
	})
	h = newHarness(t, runner)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.orch.Run(context.WithValue(ctx, jobIDKey{}, job.ID), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusFailed || got.Stage != models.StageExtract {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.Error == nil || *got.Error != "document was claimed by another job" {
		t.Fatalf("unexpected cause %v", got.Error)
	}
	if holder, _, _ := h.locker.Holder(ctx, "doc-1"); holder != "other-job" {
		t.Fatalf("failing job must not release a lease it lost, holder %q", holder)
	}
}

func TestJobOwnership(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.orch.Job(ctx, "bob", job.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.orch.Cancel(ctx, "bob", job.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected forbidden cancel, got %v", err)
	}
	if _, err := h.orch.Job(ctx, "alice", "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWaitReturnsTerminalJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() { _ = h.orch.Run(ctx, job.ID) }()

	got, err := h.orch.Wait(ctx, "alice", job.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestWaitTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "alice", "doc-1", "ssn-only")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := h.orch.Wait(ctx, "alice", job.ID, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("expected queued job back, got %s", got.Status)
	}
}
