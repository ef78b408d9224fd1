package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/rules"
)

// Memory is an in-process store with the same behaviour as Store. It backs the
// offline CLI and tests.
type Memory struct {
	mu        sync.Mutex
	documents map[string]models.Document
	templates map[string]models.RedactionTemplate
	jobs      map[string]models.Job
	reports   map[string][]models.RedactionReport
	audit     []models.AuditLog
}

// NewMemory returns an empty store seeded with the built-in templates.
func NewMemory() *Memory {
	m := &Memory{
		documents: make(map[string]models.Document),
		templates: make(map[string]models.RedactionTemplate),
		jobs:      make(map[string]models.Job),
		reports:   make(map[string][]models.RedactionReport),
	}
	for _, t := range rules.Builtin() {
		m.templates[t.ID] = t
	}
	return m
}

func (m *Memory) CreateDocument(_ context.Context, d models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; ok {
		return fmt.Errorf("document %s: %w", d.ID, models.ErrConflict)
	}
	m.documents[d.ID] = d
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	return d, nil
}

func (m *Memory) ListDocuments(_ context.Context, ownerID string) ([]models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Document{}
	for _, d := range m.documents {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateTemplate(_ context.Context, t models.RedactionTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; ok {
		return fmt.Errorf("template %s: %w", t.ID, models.ErrConflict)
	}
	m.templates[t.ID] = t
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (models.RedactionTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return models.RedactionTemplate{}, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

func (m *Memory) UpdateTemplate(_ context.Context, t models.RedactionTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.templates[t.ID]
	if !ok || cur.OwnerID == "" || cur.OwnerID != t.OwnerID {
		return fmt.Errorf("template %s: %w", t.ID, models.ErrNotFound)
	}
	cur.Name, cur.Description, cur.Categories = t.Name, t.Description, t.Categories
	m.templates[t.ID] = cur
	return nil
}

func (m *Memory) DeleteTemplate(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.templates[id]
	if !ok || cur.OwnerID == "" || cur.OwnerID != ownerID {
		return fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	for _, j := range m.jobs {
		if j.TemplateID == id && j.Active() {
			return fmt.Errorf("template %s is used by an active job: %w", id, models.ErrConflict)
		}
	}
	delete(m.templates, id)
	return nil
}

func (m *Memory) ListTemplates(_ context.Context, ownerID string) ([]models.RedactionTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.RedactionTemplate{}
	for _, t := range m.templates {
		if t.VisibleTo(ownerID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateJob(_ context.Context, j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[j.DocumentID]; !ok {
		return fmt.Errorf("document %s: %w", j.DocumentID, models.ErrNotFound)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return j, nil
}

func (m *Memory) MarkRunning(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusQueued || j.CancelRequested {
		return false, nil
	}
	j.Status = models.StatusRunning
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return true, nil
}

func (m *Memory) UpdateProgress(_ context.Context, id, stage string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return nil
	}
	j.Stage, j.Progress, j.UpdatedAt = stage, progress, time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if j.Active() {
		j.CancelRequested = true
		j.UpdatedAt = time.Now().UTC()
		m.jobs[id] = j
	}
	return j, nil
}

func (m *Memory) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return j.CancelRequested, nil
}

func (m *Memory) FinishJob(_ context.Context, id, status, stage string, cause *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.Active() {
		return false, nil
	}
	j.Status = status
	if stage != "" {
		j.Stage = stage
	}
	j.Error = cause
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return true, nil
}

func (m *Memory) CompleteJob(_ context.Context, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[c.JobID]
	if !ok || j.Status != models.StatusRunning {
		return fmt.Errorf("job %s is no longer running: %w", c.JobID, models.ErrConflict)
	}
	d, ok := m.documents[c.DocumentID]
	if !ok {
		return fmt.Errorf("document %s: %w", c.DocumentID, models.ErrNotFound)
	}
	now := time.Now().UTC()

	j.Status, j.Stage, j.Progress, j.Error, j.UpdatedAt = models.StatusSucceeded, models.StageSummarize, 100, nil, now
	m.jobs[c.JobID] = j

	redacted := c.RedactedKey
	d.RedactedKey = &redacted
	d.PreviewKey = nil
	if c.PreviewKey != "" {
		preview := c.PreviewKey
		d.PreviewKey = &preview
	}
	d.Status, d.UpdatedAt = models.DocumentRedacted, now
	m.documents[c.DocumentID] = d

	m.reports[c.DocumentID] = append(m.reports[c.DocumentID], c.Report)
	return nil
}

func (m *Memory) LatestReport(_ context.Context, documentID string) (models.RedactionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.reports[documentID]
	if len(rs) == 0 {
		return models.RedactionReport{}, fmt.Errorf("report for %s: %w", documentID, models.ErrNotFound)
	}
	return rs[len(rs)-1], nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}
