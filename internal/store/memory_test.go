package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"redaction-pipeline/internal/models"
)

func seedDocument(t *testing.T, m *Memory) models.Document {
	t.Helper()
	now := time.Now().UTC()
	d := models.Document{ID: "doc-1", OwnerID: "alice", FileName: "a.png", SourceKey: "originals/doc-1.png", Status: models.DocumentPending, CreatedAt: now, UpdatedAt: now}
	if err := m.CreateDocument(context.Background(), d); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return d
}

func TestMemoryJobLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedDocument(t, m)

	job := models.Job{ID: "job-1", DocumentID: "doc-1", TemplateID: "minimal-pii", OwnerID: "alice", Status: models.StatusQueued}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if ok, _ := m.MarkRunning(ctx, "job-1"); !ok {
		t.Fatalf("queued job should start")
	}
	if ok, _ := m.MarkRunning(ctx, "job-1"); ok {
		t.Fatalf("running job must not start twice")
	}
	if err := m.UpdateProgress(ctx, "job-1", models.StageExtract, 10); err != nil {
		t.Fatalf("progress: %v", err)
	}

	report := models.RedactionReport{TotalEntities: 0, EntitiesByType: map[string]int{}, EntitiesByPage: map[int]int{}}
	if err := m.CompleteJob(ctx, Completion{JobID: "job-1", DocumentID: "doc-1", RedactedKey: "redacted/doc-1.png", Report: report}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := m.GetJob(ctx, "job-1")
	if got.Status != models.StatusSucceeded || got.Progress != 100 {
		t.Fatalf("unexpected job %+v", got)
	}
	doc, _ := m.GetDocument(ctx, "doc-1")
	if doc.Status != models.DocumentRedacted || doc.RedactedKey == nil || doc.PreviewKey != nil {
		t.Fatalf("unexpected document %+v", doc)
	}
	if _, err := m.LatestReport(ctx, "doc-1"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if ok, _ := m.FinishJob(ctx, "job-1", models.StatusFailed, "", nil); ok {
		t.Fatalf("terminal job must not change")
	}
}

func TestMemoryCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedDocument(t, m)
	_ = m.CreateJob(ctx, models.Job{ID: "job-1", DocumentID: "doc-1", Status: models.StatusQueued})

	j, err := m.RequestCancel(ctx, "job-1")
	if err != nil || !j.CancelRequested {
		t.Fatalf("request cancel: %+v %v", j, err)
	}
	if ok, _ := m.MarkRunning(ctx, "job-1"); ok {
		t.Fatalf("cancel-requested job must not start")
	}
	if _, err := m.RequestCancel(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryTemplatesVisibility(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateTemplate(ctx, models.RedactionTemplate{ID: "mine", OwnerID: "alice", Name: "mine"})
	_ = m.CreateTemplate(ctx, models.RedactionTemplate{ID: "theirs", OwnerID: "bob", Name: "theirs"})

	list, _ := m.ListTemplates(ctx, "alice")
	ids := map[string]bool{}
	for _, tmpl := range list {
		ids[tmpl.ID] = true
	}
	if !ids["mine"] || ids["theirs"] || !ids["pharma-default"] {
		t.Fatalf("unexpected visible templates %v", ids)
	}
}

func TestMemoryTemplateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedDocument(t, m)

	tmpl := models.RedactionTemplate{ID: "tpl-1", OwnerID: "alice", Name: "badges", Categories: []models.RedactionCategory{{Type: "BADGE"}}}
	if err := m.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateTemplate(ctx, models.RedactionTemplate{ID: "builtin", Name: "built in"}); err != nil {
		t.Fatalf("create builtin: %v", err)
	}

	tmpl.Name = "badges v2"
	if err := m.UpdateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := m.GetTemplate(ctx, "tpl-1"); got.Name != "badges v2" {
		t.Fatalf("update not applied: %+v", got)
	}
	if err := m.UpdateTemplate(ctx, models.RedactionTemplate{ID: "tpl-1", OwnerID: "bob"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("foreign update: expected not found, got %v", err)
	}
	if err := m.DeleteTemplate(ctx, "builtin", ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("built-in templates cannot be deleted, got %v", err)
	}

	if err := m.CreateJob(ctx, models.Job{ID: "job-1", DocumentID: "doc-1", TemplateID: "tpl-1", OwnerID: "alice", Status: models.StatusQueued}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := m.DeleteTemplate(ctx, "tpl-1", "alice"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("template in use: expected conflict, got %v", err)
	}
	if _, err := m.FinishJob(ctx, "job-1", models.StatusCancelled, "", nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := m.DeleteTemplate(ctx, "tpl-1", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetTemplate(ctx, "tpl-1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("deleted template still readable: %v", err)
	}
}
