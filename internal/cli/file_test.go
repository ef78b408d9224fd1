package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"redaction-pipeline/internal/coords"
	"redaction-pipeline/internal/detect"
	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/pipeline"
	"redaction-pipeline/internal/render"
)

type emailExtractor struct{}

func (emailExtractor) Extract(context.Context, string, []byte) ([]models.PageLayout, error) {
	return []models.PageLayout{{Width: 200, Height: 30, Words: []models.Word{
		{Text: "contact", Box: models.Box{X: 5, Y: 5, Width: 60, Height: 12}},
		{Text: "jane@acme.com", Box: models.Box{X: 70, Y: 5, Width: 120, Height: 12}},
	}}}, nil
}

func (emailExtractor) Forget(string) {}

func writePage(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 200, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.White)
		}
	}
	data, err := document.EncodePNG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, "page.png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestRedactFileWritesArtifactAndReport(t *testing.T) {
	dir := t.TempDir()
	in := writePage(t, dir)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(emailExtractor{}, detect.New(nil, detect.DefaultOptions(), logger), coords.New(coords.DefaultTolerance), render.New(0), logger)

	tmpl, err := loadTemplate("minimal-pii", "")
	if err != nil {
		t.Fatalf("template: %v", err)
	}

	var out bytes.Buffer
	if err := redactFile(context.Background(), pipe, in, tmpl, "", &out); err != nil {
		t.Fatalf("redact: %v", err)
	}

	var res struct {
		Output string                 `json:"output"`
		Report models.RedactionReport `json:"report"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if res.Output != in+".redacted.png" {
		t.Fatalf("unexpected output path %s", res.Output)
	}
	if res.Report.TotalEntities != 1 || res.Report.EntitiesByType["EMAIL"] != 1 {
		t.Fatalf("unexpected report %+v", res.Report)
	}
	if _, err := os.Stat(res.Output); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}

func TestRedactFileRejectsUnsupportedInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	_ = os.WriteFile(path, []byte("plain text"), 0o644)
	err := redactFile(context.Background(), nil, path, models.RedactionTemplate{}, "", io.Discard)
	if err != document.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestLoadTemplate(t *testing.T) {
	if _, err := loadTemplate("nope", ""); err == nil {
		t.Fatalf("unknown built-in should fail")
	}

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	_ = os.WriteFile(good, []byte(`{"name":"badges","categories":[{"type":"BADGE","patterns":["B-\\d{4}"]}]}`), 0o644)
	tmpl, err := loadTemplate("", good)
	if err != nil || tmpl.Name != "badges" || len(tmpl.Categories) != 1 {
		t.Fatalf("tmpl=%+v err=%v", tmpl, err)
	}

	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`{"name":"broken","categories":[{"type":"X","patterns":["("]}]}`), 0o644)
	if _, err := loadTemplate("", bad); err == nil {
		t.Fatalf("invalid regex should fail")
	}
}
