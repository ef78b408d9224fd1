// Package pipeline runs the redaction stages for one document in order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"redaction-pipeline/internal/coords"
	"redaction-pipeline/internal/detect"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/render"
	"redaction-pipeline/internal/report"
	"redaction-pipeline/internal/rules"
)

// Extractor produces page layouts for a document artifact.
type Extractor interface {
	Extract(ctx context.Context, key string, data []byte) ([]models.PageLayout, error)
	Forget(key string)
}

// Detector produces candidate entities for page layouts.
type Detector interface {
	DetectAll(ctx context.Context, layouts []models.PageLayout, tmpl models.RedactionTemplate) (detect.Result, error)
}

// Hooks observe stage boundaries. Before runs ahead of each stage and may
// return an error (typically models.ErrCancelled) to stop the run. After runs
// once a stage has completed.
type Hooks struct {
	Before func(ctx context.Context, stage string) error
	After  func(ctx context.Context, stage string, elapsed time.Duration) error
}

// Input is one document to redact.
type Input struct {
	// Key identifies the document version for layout caching.
	Key      string
	Data     []byte
	Template models.RedactionTemplate
}

// Output is everything a successful run produces.
type Output struct {
	Artifact render.Output
	Report   models.RedactionReport
}

// Pipeline composes the stages.
type Pipeline struct {
	extractor Extractor
	detector  Detector
	mapper    coords.Mapper
	renderer  render.Renderer
	logger    *slog.Logger
}

// New builds a pipeline.
func New(extractor Extractor, detector Detector, mapper coords.Mapper, renderer render.Renderer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{extractor: extractor, detector: detector, mapper: mapper, renderer: renderer, logger: logger}
}

type state struct {
	layouts    []models.PageLayout
	candidates detect.Result
	accepted   []models.RedactionEntity
	artifact   render.Output
	report     models.RedactionReport
}

// Run executes extract, detect, filter, map, render and summarize. A stage
// failure is returned as *models.StageError. Nothing is persisted here; the
// caller decides what to do with the output.
func (p *Pipeline) Run(ctx context.Context, in Input, hooks Hooks) (Output, error) {
	defer p.extractor.Forget(in.Key)

	var st state
	steps := []struct {
		stage string
		run   func(context.Context, Input, *state) error
	}{
		{models.StageExtract, p.extract},
		{models.StageDetect, p.detect},
		{models.StageFilter, p.filter},
		{models.StageMap, p.mapEntities},
		{models.StageRender, p.render},
		{models.StageSummarize, p.summarize},
	}

	for _, step := range steps {
		if hooks.Before != nil {
			if err := hooks.Before(ctx, step.stage); err != nil {
				return Output{}, err
			}
		}
		start := time.Now()
		if err := step.run(ctx, in, &st); err != nil {
			return Output{}, &models.StageError{Stage: step.stage, Err: err}
		}
		elapsed := time.Since(start)
		p.logger.Debug("stage completed", "stage", step.stage, "elapsed", elapsed)
		if hooks.After != nil {
			if err := hooks.After(ctx, step.stage, elapsed); err != nil {
				return Output{}, err
			}
		}
	}
	return Output{Artifact: st.artifact, Report: st.report}, nil
}

func (p *Pipeline) extract(ctx context.Context, in Input, st *state) error {
	layouts, err := p.extractor.Extract(ctx, in.Key, in.Data)
	if err != nil {
		return err
	}
	st.layouts = layouts
	return nil
}

func (p *Pipeline) detect(ctx context.Context, in Input, st *state) error {
	res, err := p.detector.DetectAll(ctx, st.layouts, in.Template)
	if err != nil {
		return err
	}
	st.candidates = res
	return nil
}

func (p *Pipeline) filter(_ context.Context, in Input, st *state) error {
	st.accepted = rules.Filter(st.candidates.Entities, in.Template)
	return nil
}

func (p *Pipeline) mapEntities(_ context.Context, _ Input, st *state) error {
	for i := range st.accepted {
		e := &st.accepted[i]
		if e.Page < 0 || e.Page >= len(st.layouts) {
			return fmt.Errorf("entity %s references page %d of %d", e.ID, e.Page, len(st.layouts))
		}
		p.mapper.MapEntity(st.layouts[e.Page], e)
		if e.Status == models.EntityUnmapped {
			p.logger.Info("entity not mappable, kept in report", "entity_id", e.ID, "type", e.Type, "page", e.Page)
		}
	}
	return nil
}

func (p *Pipeline) render(_ context.Context, in Input, st *state) error {
	out, err := p.renderer.Render(in.Data, st.accepted)
	if err != nil {
		return err
	}
	st.artifact = out
	return nil
}

func (p *Pipeline) summarize(_ context.Context, _ Input, st *state) error {
	st.report = report.Summarize(st.accepted, st.candidates.Degraded)
	return nil
}
