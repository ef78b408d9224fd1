package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"redaction-pipeline/internal/coords"
	"redaction-pipeline/internal/detect"
	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/render"
)

type fakeExtractor struct {
	layouts []models.PageLayout
	err     error
	forgot  []string
}

func (f *fakeExtractor) Extract(context.Context, string, []byte) ([]models.PageLayout, error) {
	return f.layouts, f.err
}

func (f *fakeExtractor) Forget(key string) { f.forgot = append(f.forgot, key) }

func testPage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 300, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.White)
		}
	}
	data, err := document.EncodePNG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func ssnLayout() models.PageLayout {
	return models.PageLayout{Width: 300, Height: 40, Words: []models.Word{
		{Text: "SSN:", Box: models.Box{X: 10, Y: 10, Width: 40, Height: 12}},
		{Text: "123-45-6789", Box: models.Box{X: 60, Y: 10, Width: 110, Height: 12}},
		{Text: "on", Box: models.Box{X: 180, Y: 10, Width: 20, Height: 12}},
		{Text: "file", Box: models.Box{X: 210, Y: 10, Width: 40, Height: 12}},
	}}
}

func newPipeline(ex Extractor) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ex, detect.New(nil, detect.DefaultOptions(), logger), coords.New(coords.DefaultTolerance), render.New(0), logger)
}

var ssnTemplate = models.RedactionTemplate{
	Name:       "ssn",
	Categories: []models.RedactionCategory{{Type: "SSN", Patterns: []string{`\d{3}-\d{2}-\d{4}`}}},
}

func TestRunEndToEnd(t *testing.T) {
	ex := &fakeExtractor{layouts: []models.PageLayout{ssnLayout()}}
	var before, after []string
	hooks := Hooks{
		Before: func(_ context.Context, stage string) error { before = append(before, stage); return nil },
		After: func(_ context.Context, stage string, _ time.Duration) error {
			after = append(after, stage)
			return nil
		},
	}

	out, err := newPipeline(ex).Run(context.Background(), Input{Key: "doc-1", Data: testPage(t), Template: ssnTemplate}, hooks)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff(models.Stages, before); diff != "" {
		t.Fatalf("before hooks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(models.Stages, after); diff != "" {
		t.Fatalf("after hooks (-want +got):\n%s", diff)
	}

	r := out.Report
	if r.TotalEntities != 1 || r.EntitiesByType["SSN"] != 1 || r.Rendered != 1 {
		t.Fatalf("unexpected report %+v", r)
	}
	e := r.EntityList[0]
	m, ok := e.Match.(models.PatternMatch)
	if !ok || m.Offset != 5 || m.Length != 11 || e.Confidence != 1.0 {
		t.Fatalf("unexpected entity %+v", e)
	}

	img, err := png.Decode(bytes.NewReader(out.Artifact.Data))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if r, _, _, _ := img.At(100, 15).RGBA(); r != 0 {
		t.Fatalf("SSN should be blacked out")
	}
	if r, _, _, _ := img.At(20, 15).RGBA(); r != 0xffff {
		t.Fatalf("label should be untouched")
	}
	if len(ex.forgot) != 1 || ex.forgot[0] != "doc-1" {
		t.Fatalf("layout cache should be released, got %v", ex.forgot)
	}
}

func TestRunStopsAtBoundary(t *testing.T) {
	ex := &fakeExtractor{layouts: []models.PageLayout{ssnLayout()}}
	hooks := Hooks{Before: func(_ context.Context, stage string) error {
		if stage == models.StageRender {
			return models.ErrCancelled
		}
		return nil
	}}
	_, err := newPipeline(ex).Run(context.Background(), Input{Data: testPage(t), Template: ssnTemplate}, hooks)
	if !errors.Is(err, models.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestRunReportsFailingStage(t *testing.T) {
	ex := &fakeExtractor{err: models.ErrExtraction}
	_, err := newPipeline(ex).Run(context.Background(), Input{Data: testPage(t), Template: ssnTemplate}, Hooks{})
	var se *models.StageError
	if !errors.As(err, &se) || se.Stage != models.StageExtract {
		t.Fatalf("expected extract stage error, got %v", err)
	}
	if !errors.Is(err, models.ErrExtraction) {
		t.Fatalf("expected ErrExtraction in chain, got %v", err)
	}
}

func TestRunWithEmptyLayout(t *testing.T) {
	ex := &fakeExtractor{layouts: []models.PageLayout{{Width: 300, Height: 40, Words: []models.Word{}}}}
	out, err := newPipeline(ex).Run(context.Background(), Input{Data: testPage(t), Template: ssnTemplate}, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Report.TotalEntities != 0 || len(out.Artifact.Data) == 0 {
		t.Fatalf("expected empty report and an artifact, got %+v", out.Report)
	}
}
