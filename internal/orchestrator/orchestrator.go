// Package orchestrator owns the redaction job state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/pipeline"
	"redaction-pipeline/internal/registry"
	"redaction-pipeline/internal/storage"
	"redaction-pipeline/internal/store"
	"redaction-pipeline/internal/telemetry"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	GetTemplate(ctx context.Context, id string) (models.RedactionTemplate, error)
	CreateJob(ctx context.Context, j models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	UpdateProgress(ctx context.Context, id, stage string, progress int) error
	RequestCancel(ctx context.Context, id string) (models.Job, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	FinishJob(ctx context.Context, id, status, stage string, cause *string) (bool, error)
	CompleteJob(ctx context.Context, c store.Completion) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Queue hands job ids to workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
	PublishCancel(ctx context.Context, jobID string) error
}

// Runner executes the pipeline stages.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error)
}

var errLeaseLost = errors.New("document lease lost")

// Orchestrator submits, runs and cancels jobs. At most one active job exists
// per document; the per-document lease is taken at submission and released
// when the job reaches a terminal state.
type Orchestrator struct {
	store    Store
	blobs    storage.Blobs
	queue    Queue
	locker   registry.Locker
	runs     *registry.Runs
	runner   Runner
	leaseTTL time.Duration
	logger   *slog.Logger
}

// Options wire the orchestrator's collaborators.
type Options struct {
	Store    Store
	Blobs    storage.Blobs
	Queue    Queue
	Locker   registry.Locker
	Runs     *registry.Runs
	Runner   Runner
	LeaseTTL time.Duration
	Logger   *slog.Logger
}

// New builds an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Locker == nil {
		opts.Locker = registry.NewMemoryLocker()
	}
	if opts.Runs == nil {
		opts.Runs = registry.NewRuns()
	}
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:    opts.Store,
		blobs:    opts.Blobs,
		queue:    opts.Queue,
		locker:   opts.Locker,
		runs:     opts.Runs,
		runner:   opts.Runner,
		leaseTTL: opts.LeaseTTL,
		logger:   opts.Logger,
	}
}

// Submit creates a queued job for a document the caller owns.
func (o *Orchestrator) Submit(ctx context.Context, caller, documentID, templateID string) (models.Job, error) {
	if documentID == "" || templateID == "" {
		return models.Job{}, models.Validationf("documentId and templateId are required")
	}
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return models.Job{}, err
	}
	if doc.OwnerID != caller {
		return models.Job{}, fmt.Errorf("document %s: %w", documentID, models.ErrForbidden)
	}
	tmpl, err := o.store.GetTemplate(ctx, templateID)
	if err != nil {
		return models.Job{}, err
	}
	if !tmpl.VisibleTo(caller) {
		return models.Job{}, fmt.Errorf("template %s: %w", templateID, models.ErrNotFound)
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		TemplateID: tmpl.ID,
		OwnerID:    caller,
		Status:     models.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.claim(ctx, doc.ID, job.ID); err != nil {
		return models.Job{}, err
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		_ = o.locker.Release(ctx, doc.ID, job.ID)
		return models.Job{}, err
	}
	_ = o.store.AppendAudit(ctx, job.ID, "submitted", fmt.Sprintf("document=%s template=%s", doc.ID, tmpl.ID))

	if err := o.queue.Enqueue(ctx, job.ID); err != nil {
		cause := "could not enqueue job"
		_, _ = o.store.FinishJob(ctx, job.ID, models.StatusFailed, "", &cause)
		_ = o.locker.Release(ctx, doc.ID, job.ID)
		return models.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	telemetry.JobsSubmitted.Inc()
	o.logger.Info("job submitted", "job_id", job.ID, "document_id", doc.ID, "template_id", tmpl.ID)
	return job, nil
}

// claim takes the document lease for a queued job. The lease has no expiry
// until a worker starts the job, so a long queue cannot free the document.
// A lease left behind by a job that already finished is reclaimed.
func (o *Orchestrator) claim(ctx context.Context, documentID, jobID string) error {
	acquired, err := o.locker.Acquire(ctx, documentID, jobID, 0)
	if err != nil {
		return fmt.Errorf("acquire document lease: %w", err)
	}
	if acquired {
		return nil
	}
	holder, held, err := o.locker.Holder(ctx, documentID)
	if err != nil {
		return fmt.Errorf("read document lease: %w", err)
	}
	if held {
		if prev, err := o.store.GetJob(ctx, holder); err == nil && prev.Terminal() {
			o.logger.Warn("reclaiming lease of finished job", "document_id", documentID, "job_id", holder)
			_ = o.locker.Release(ctx, documentID, holder)
			if acquired, err = o.locker.Acquire(ctx, documentID, jobID, 0); err == nil && acquired {
				return nil
			}
		}
	}
	return fmt.Errorf("document %s already has an active job: %w", documentID, models.ErrConflict)
}

// Job returns a job the caller owns.
func (o *Orchestrator) Job(ctx context.Context, caller, jobID string) (models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.OwnerID != caller {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrForbidden)
	}
	return job, nil
}

// Cancel requests cancellation. A queued job is cancelled immediately; a
// running job stops at its next stage boundary and its in-flight calls are
// aborted. Cancelling a finished job returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, caller, jobID string) (models.Job, error) {
	job, err := o.Job(ctx, caller, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Terminal() {
		return job, nil
	}

	job, err = o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	_ = o.store.AppendAudit(ctx, jobID, "cancel_requested", "cancel requested via API")

	if job.Status == models.StatusQueued {
		if ok, err := o.store.FinishJob(ctx, jobID, models.StatusCancelled, "", nil); err != nil {
			return models.Job{}, err
		} else if ok {
			_ = o.queue.Remove(ctx, jobID)
			_ = o.locker.Release(ctx, job.DocumentID, jobID)
			_ = o.store.AppendAudit(ctx, jobID, "cancelled", "cancelled before start")
			telemetry.JobsCompleted.WithLabelValues(models.StatusCancelled).Inc()
			o.logger.Info("job cancelled before start", "job_id", jobID)
			return o.store.GetJob(ctx, jobID)
		}
	}

	if !o.runs.Cancel(jobID) {
		if err := o.queue.PublishCancel(ctx, jobID); err != nil {
			o.logger.Warn("publish cancel failed", "job_id", jobID, "error", err)
		}
	}
	return o.store.GetJob(ctx, jobID)
}

// Abort cancels the in-process run of jobID, if any. Workers call it when a
// cancellation notice arrives from another process.
func (o *Orchestrator) Abort(jobID string) bool {
	return o.runs.Cancel(jobID)
}

// Wait polls until the job is terminal or timeout elapses and returns the last state seen.
func (o *Orchestrator) Wait(ctx context.Context, caller, jobID string, timeout time.Duration) (models.Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		job, err := o.Job(ctx, caller, jobID)
		if err != nil || job.Terminal() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-deadline.C:
			return job, nil
		case <-tick.C:
		}
	}
}

// Run executes a queued job to a terminal state. It returns an error only
// when the job could not be loaded or ctx ended before the job finished.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	log := o.logger.With("job_id", job.ID, "document_id", job.DocumentID)

	started, err := o.store.MarkRunning(ctx, job.ID)
	if err != nil {
		return err
	}
	if !started {
		return o.settle(ctx, job.ID)
	}

	// From here on the lease expires unless the run keeps refreshing it.
	if ok, err := o.locker.Acquire(ctx, job.DocumentID, job.ID, o.leaseTTL); err != nil || !ok {
		cause := "document is locked by another job"
		if err != nil {
			cause = "could not confirm document lease"
		}
		o.finish(ctx, job, models.StatusFailed, models.StageExtract, &cause)
		return nil
	}

	runCtx, done := o.runs.Start(ctx, job.ID)
	defer done()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Info("job started", "template_id", job.TemplateID)
	_ = o.store.AppendAudit(ctx, job.ID, "started", "")

	out, err := o.execute(runCtx, job)
	if err == nil {
		err = o.boundary(runCtx, job)
	}
	if err == nil {
		err = o.commit(ctx, job, out)
	}
	if err == nil {
		log.Info("job succeeded", "entities", out.Report.TotalEntities, "degraded", out.Report.Degraded)
		return nil
	}

	switch {
	case o.cancelled(ctx, job.ID, err):
		log.Info("job cancelled", "error", err)
		o.finish(ctx, job, models.StatusCancelled, "", nil)
	case ctx.Err() != nil:
		cause := "interrupted by worker shutdown"
		o.finish(context.WithoutCancel(ctx), job, models.StatusFailed, stageOf(err), &cause)
		return ctx.Err()
	case errors.Is(err, errLeaseLost):
		cause := "document was claimed by another job"
		log.Warn("job lost its document lease")
		o.finish(ctx, job, models.StatusFailed, "", &cause)
	default:
		stage, cause := stageOf(err), causeOf(err)
		log.Warn("job failed", "stage", stage, "error", err)
		o.finish(ctx, job, models.StatusFailed, stage, &cause)
	}
	return nil
}

// settle handles a delivery for a job that could not be started: a queued job
// with a pending cancel becomes cancelled, and a running job nobody here owns
// was orphaned by a worker that lost its lease.
func (o *Orchestrator) settle(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Active() || o.runs.Running(jobID) {
		return nil
	}
	switch {
	case job.CancelRequested:
		o.finish(ctx, job, models.StatusCancelled, "", nil)
	case job.Status == models.StatusRunning:
		cause := "worker stopped responding"
		o.finish(ctx, job, models.StatusFailed, job.Stage, &cause)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, job models.Job) (pipeline.Output, error) {
	doc, err := o.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return pipeline.Output{}, &models.StageError{Stage: models.StageExtract, Err: err}
	}
	tmpl, err := o.store.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return pipeline.Output{}, &models.StageError{Stage: models.StageExtract, Err: err}
	}
	if err := o.boundary(ctx, job); err != nil {
		return pipeline.Output{}, err
	}
	data, err := o.blobs.Get(ctx, doc.SourceKey)
	if err != nil {
		return pipeline.Output{}, &models.StageError{Stage: models.StageExtract, Err: fmt.Errorf("%w: %v", models.ErrExtraction, err)}
	}

	hooks := pipeline.Hooks{
		Before: func(ctx context.Context, stage string) error {
			return o.boundary(ctx, job)
		},
		After: func(ctx context.Context, stage string, elapsed time.Duration) error {
			telemetry.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
			if err := o.store.UpdateProgress(ctx, job.ID, stage, models.ProgressAfter(stage)); err != nil {
				o.logger.Warn("progress update failed", "job_id", job.ID, "stage", stage, "error", err)
			}
			_ = o.store.AppendAudit(ctx, job.ID, "stage", stage)
			return nil
		},
	}
	return o.runner.Run(ctx, pipeline.Input{Key: doc.ID + ":" + doc.SourceKey, Data: data, Template: tmpl}, hooks)
}

// boundary is the cooperative cancellation point between stages. It also keeps the document lease alive.
func (o *Orchestrator) boundary(ctx context.Context, job models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := o.store.CancelRequested(ctx, job.ID)
	if err != nil {
		return err
	}
	if requested {
		return models.ErrCancelled
	}
	held, err := o.locker.Refresh(ctx, job.DocumentID, job.ID, o.leaseTTL)
	if err != nil {
		o.logger.Warn("lease refresh failed", "job_id", job.ID, "error", err)
		return nil
	}
	if !held {
		return errLeaseLost
	}
	return nil
}

// commit stores the artifact and preview, then flips job and document in one transaction.
// Blobs written here are removed again if the transaction does not happen.
func (o *Orchestrator) commit(ctx context.Context, job models.Job, out pipeline.Output) error {
	redactedKey := storage.RedactedKey(job.DocumentID, job.ID, document.Extension(out.Artifact.ContentType))
	previewKey := storage.PreviewKey(job.DocumentID, job.ID)

	written := make([]string, 0, 2)
	discard := func() {
		for _, key := range written {
			if err := o.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
				o.logger.Warn("discard artifact failed", "job_id", job.ID, "key", key, "error", err)
			}
		}
	}

	if err := o.blobs.Put(ctx, redactedKey, out.Artifact.Data, out.Artifact.ContentType); err != nil {
		discard()
		return &models.StageError{Stage: models.StageRender, Err: fmt.Errorf("%w: write output: %v", models.ErrRender, err)}
	}
	written = append(written, redactedKey)
	if len(out.Artifact.Preview) > 0 {
		if err := o.blobs.Put(ctx, previewKey, out.Artifact.Preview, "image/jpeg"); err != nil {
			discard()
			return &models.StageError{Stage: models.StageRender, Err: fmt.Errorf("%w: write preview: %v", models.ErrRender, err)}
		}
		written = append(written, previewKey)
	} else {
		previewKey = ""
	}

	if err := o.store.CompleteJob(ctx, store.Completion{
		JobID:       job.ID,
		DocumentID:  job.DocumentID,
		RedactedKey: redactedKey,
		PreviewKey:  previewKey,
		Report:      out.Report,
	}); err != nil {
		discard()
		return &models.StageError{Stage: models.StageSummarize, Err: err}
	}

	_ = o.locker.Release(ctx, job.DocumentID, job.ID)
	_ = o.store.AppendAudit(ctx, job.ID, "succeeded", fmt.Sprintf("entities=%d", out.Report.TotalEntities))
	telemetry.JobsCompleted.WithLabelValues(models.StatusSucceeded).Inc()
	if out.Report.Degraded {
		telemetry.DetectionDegraded.Inc()
	}
	for typ, n := range out.Report.EntitiesByType {
		telemetry.EntitiesRedacted.WithLabelValues(typ).Add(float64(n))
	}
	return nil
}

func (o *Orchestrator) cancelled(ctx context.Context, jobID string, err error) bool {
	if errors.Is(err, models.ErrCancelled) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	requested, rerr := o.store.CancelRequested(ctx, jobID)
	return rerr == nil && requested
}

// finish records a failed or cancelled outcome and frees the document.
func (o *Orchestrator) finish(ctx context.Context, job models.Job, status, stage string, cause *string) {
	ok, err := o.store.FinishJob(ctx, job.ID, status, stage, cause)
	if err != nil {
		o.logger.Error("record job outcome failed", "job_id", job.ID, "status", status, "error", err)
		return
	}
	_ = o.locker.Release(ctx, job.DocumentID, job.ID)
	if !ok {
		return
	}
	detail := stage
	if cause != nil {
		detail = fmt.Sprintf("stage=%s cause=%s", stage, *cause)
	}
	_ = o.store.AppendAudit(ctx, job.ID, status, detail)
	telemetry.JobsCompleted.WithLabelValues(status).Inc()
}

func stageOf(err error) string {
	var se *models.StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// causeOf turns a stage failure into the message stored on the job. Error
// details name storage keys and file paths, so they only go to the log.
func causeOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && stageOf(err) != "":
		return stageOf(err) + " stage timed out"
	case errors.Is(err, models.ErrExtraction):
		return "document could not be read"
	case errors.Is(err, models.ErrRender):
		return "redacted output could not be written"
	case errors.Is(err, models.ErrNotFound):
		return "document or template no longer exists"
	}
	if stage := stageOf(err); stage != "" {
		return stage + " stage failed"
	}
	return "internal error"
}
