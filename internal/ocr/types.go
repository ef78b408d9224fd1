// Package ocr normalizes text and word-position extraction into page layouts.
package ocr

import (
	"context"

	"redaction-pipeline/internal/models"
)

// Input is a single page raster submitted for recognition.
type Input struct {
	// PageIndex is the zero-based page the image belongs to.
	PageIndex int
	// Image is the PNG-encoded page.
	Image []byte
	// Width and Height are the page dimensions in pixels.
	Width  int
	Height int
	// Languages are trained-data hints such as "eng" or "deu".
	Languages []string
}

// Result is the recognized content of one page. Word boxes are in page pixels.
type Result struct {
	Words []models.Word
}

// Engine is the OCR provider contract: one page in, one result out.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) (Result, error)
}

// NopEngine recognizes nothing. Every page yields an empty layout.
type NopEngine struct{}

func (NopEngine) Name() string { return "none" }

func (NopEngine) Recognize(context.Context, Input) (Result, error) { return Result{}, nil }
