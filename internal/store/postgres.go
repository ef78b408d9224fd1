package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"redaction-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateDocument inserts a pending document.
func (s *Store) CreateDocument(ctx context.Context, d models.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, owner_id, file_name, content_type, size, source_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.OwnerID, d.FileName, d.ContentType, d.Size, d.SourceKey, d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

const documentColumns = `id, owner_id, file_name, content_type, size, source_key, redacted_key, preview_key, status, created_at, updated_at`

func scanDocument(row pgx.Row) (models.Document, error) {
	var d models.Document
	var redacted, preview pgtype.Text
	if err := row.Scan(&d.ID, &d.OwnerID, &d.FileName, &d.ContentType, &d.Size, &d.SourceKey, &redacted, &preview, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Document{}, err
	}
	d.RedactedKey = textPtr(redacted)
	d.PreviewKey = textPtr(preview)
	return d, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	return d, nil
}

// ListDocuments returns the documents owned by ownerID, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := []models.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateTemplate inserts a caller-owned template.
func (s *Store) CreateTemplate(ctx context.Context, t models.RedactionTemplate) error {
	categories, err := json.Marshal(t.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO templates (id, owner_id, name, description, categories, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.OwnerID, t.Name, t.Description, categories, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func scanTemplate(row pgx.Row) (models.RedactionTemplate, error) {
	var t models.RedactionTemplate
	var categories []byte
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &categories, &t.CreatedAt); err != nil {
		return models.RedactionTemplate{}, err
	}
	if err := json.Unmarshal(categories, &t.Categories); err != nil {
		return models.RedactionTemplate{}, fmt.Errorf("unmarshal categories: %w", err)
	}
	return t, nil
}

// GetTemplate fetches a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (models.RedactionTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, description, categories, created_at FROM templates WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RedactionTemplate{}, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.RedactionTemplate{}, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}

// UpdateTemplate replaces the name, description and categories of a template owned by t.OwnerID.
func (s *Store) UpdateTemplate(ctx context.Context, t models.RedactionTemplate) error {
	categories, err := json.Marshal(t.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE templates SET name = $3, description = $4, categories = $5
		WHERE id = $1 AND owner_id = $2 AND owner_id <> ''
	`, t.ID, t.OwnerID, t.Name, t.Description, categories)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", t.ID, models.ErrNotFound)
	}
	return nil
}

// DeleteTemplate removes a template owned by ownerID. Templates that queued or
// running jobs still use are kept.
func (s *Store) DeleteTemplate(ctx context.Context, id, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM templates
		WHERE id = $1 AND owner_id = $2 AND owner_id <> ''
		  AND NOT EXISTS (SELECT 1 FROM jobs WHERE template_id = $1 AND status IN ($3, $4))
	`, id, ownerID, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	t, err := s.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if t.OwnerID != ownerID {
		return fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("template %s is used by an active job: %w", id, models.ErrConflict)
}

// ListTemplates returns built-in templates plus those owned by ownerID.
func (s *Store) ListTemplates(ctx context.Context, ownerID string) ([]models.RedactionTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, description, categories, created_at
		FROM templates WHERE owner_id = '' OR owner_id = $1
		ORDER BY owner_id, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	out := []models.RedactionTemplate{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateJob inserts a queued job.
func (s *Store) CreateJob(ctx context.Context, j models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, document_id, template_id, owner_id, stage, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.DocumentID, j.TemplateID, j.OwnerID, j.Stage, j.Status, j.Progress, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, document_id, template_id, owner_id, stage, status, progress, last_error, cancel_requested, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var lastErr pgtype.Text
	if err := row.Scan(&job.ID, &job.DocumentID, &job.TemplateID, &job.OwnerID, &job.Stage, &job.Status, &job.Progress, &lastErr, &job.CancelRequested, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Error = textPtr(lastErr)
	return job, nil
}

// MarkRunning moves a queued job to running. It reports false when the job is
// no longer queued or a cancellation was requested.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND NOT cancel_requested
	`, id, models.StatusRunning, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress records the stage a running job reached.
func (s *Store) UpdateProgress(ctx context.Context, id, stage string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET stage = $2, progress = $3, updated_at = NOW() WHERE id = $1 AND status = $4
	`, id, stage, progress, models.StatusRunning)
	return err
}

// RequestCancel flags an active job for cancellation and returns it.
func (s *Store) RequestCancel(ctx context.Context, id string) (models.Job, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
	`, id, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return models.Job{}, fmt.Errorf("request cancel: %w", err)
	}
	return s.GetJob(ctx, id)
}

// CancelRequested reports whether a cancellation was requested for the job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	if err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return false, err
	}
	return requested, nil
}

// FinishJob moves an active job to failed or cancelled. It reports false when
// the job had already reached a terminal state.
func (s *Store) FinishJob(ctx context.Context, id, status, stage string, cause *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, stage = COALESCE(NULLIF($3, ''), stage), last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, status, stage, cause, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Completion is the result of a successful job.
type Completion struct {
	JobID       string
	DocumentID  string
	RedactedKey string
	PreviewKey  string
	Report      models.RedactionReport
}

// CompleteJob marks the job succeeded, points the document at its redacted
// artifact and stores the report in one transaction.
func (s *Store) CompleteJob(ctx context.Context, c Completion) error {
	reportJSON, err := json.Marshal(c.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, stage = $3, progress = 100, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, c.JobID, models.StatusSucceeded, models.StageSummarize, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("job %s is no longer running: %w", c.JobID, models.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE documents SET status = $2, redacted_key = $3, preview_key = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1
	`, c.DocumentID, models.DocumentRedacted, c.RedactedKey, c.PreviewKey); err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO reports (job_id, document_id, report, created_at) VALUES ($1, $2, $3, $4)
	`, c.JobID, c.DocumentID, reportJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestReport returns the most recent report stored for a document.
func (s *Store) LatestReport(ctx context.Context, documentID string) (models.RedactionReport, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT report FROM reports WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1
	`, documentID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RedactionReport{}, fmt.Errorf("report for %s: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return models.RedactionReport{}, fmt.Errorf("query report: %w", err)
	}
	var r models.RedactionReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.RedactionReport{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return r, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail returns the audit rows of a job in insertion order.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
