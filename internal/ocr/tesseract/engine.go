// Package tesseract implements ocr.Engine on top of the Tesseract C library.
package tesseract

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/ocr"
)

// Engine runs Tesseract through gosseract. A fresh client is created per page
// because gosseract clients are not safe for concurrent use.
type Engine struct {
	languages []string
}

// New returns a Tesseract engine. languages are used when a request carries none.
func New(languages ...string) *Engine {
	return &Engine{languages: languages}
}

func (e *Engine) Name() string { return "tesseract" }

type recognition struct {
	res ocr.Result
	err error
}

// Recognize runs OCR on one page. gosseract is not interruptible, so a
// cancelled context returns immediately and the client finishes in the background.
func (e *Engine) Recognize(ctx context.Context, in ocr.Input) (ocr.Result, error) {
	done := make(chan recognition, 1)
	go func() {
		res, err := e.recognize(in)
		done <- recognition{res: res, err: err}
	}()
	select {
	case <-ctx.Done():
		return ocr.Result{}, ctx.Err()
	case r := <-done:
		return r.res, r.err
	}
}

func (e *Engine) recognize(in ocr.Input) (ocr.Result, error) {
	client := gosseract.NewClient()
	defer client.Close()

	langs := in.Languages
	if len(langs) == 0 {
		langs = e.languages
	}
	if len(langs) > 0 {
		if err := client.SetLanguage(langs...); err != nil {
			return ocr.Result{}, fmt.Errorf("set language: %w", err)
		}
	}
	if err := client.SetImageFromBytes(in.Image); err != nil {
		return ocr.Result{}, fmt.Errorf("set image: %w", err)
	}

	lines, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("line boxes: %w", err)
	}
	words, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("word boxes: %w", err)
	}

	lineRects := make([]image.Rectangle, 0, len(lines))
	for _, l := range lines {
		lineRects = append(lineRects, l.Box)
	}

	out := make([]models.Word, 0, len(words))
	for _, w := range words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			continue
		}
		out = append(out, models.Word{
			Text: text,
			Box: models.Box{
				X:      float64(w.Box.Min.X),
				Y:      float64(w.Box.Min.Y),
				Width:  float64(w.Box.Dx()),
				Height: float64(w.Box.Dy()),
			},
			Line:       lineOf(w.Box, lineRects),
			Confidence: w.Confidence / 100,
		})
	}
	return ocr.Result{Words: out}, nil
}

// lineOf returns the index of the text line containing the centre of r.
// Words outside every line box fall back to the nearest line by vertical distance.
func lineOf(r image.Rectangle, lines []image.Rectangle) int {
	if len(lines) == 0 {
		return 0
	}
	center := image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
	best, bestDist := 0, -1
	for i, l := range lines {
		if center.In(l) {
			return i
		}
		mid := (l.Min.Y + l.Max.Y) / 2
		d := center.Y - mid
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
