// Package bootstrap assembles the redaction pipeline from configuration for
// the worker and the offline CLI.
package bootstrap

import (
	"fmt"
	"log/slog"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/coords"
	"redaction-pipeline/internal/detect"
	"redaction-pipeline/internal/llm"
	"redaction-pipeline/internal/ocr"
	"redaction-pipeline/internal/ocr/tesseract"
	"redaction-pipeline/internal/pipeline"
	"redaction-pipeline/internal/render"
)

// DetectOptions maps configuration onto detector options.
func DetectOptions(cfg config.Config) detect.Options {
	opts := detect.DefaultOptions()
	if cfg.DetectTimeout > 0 {
		opts.Timeout = cfg.DetectTimeout
	}
	if cfg.DetectMaxRetries > 0 {
		opts.MaxRetries = cfg.DetectMaxRetries
	}
	if cfg.DetectBackoffInitial > 0 {
		opts.BackoffInitial = cfg.DetectBackoffInitial
	}
	if cfg.DetectBackoffMax > 0 {
		opts.BackoffMax = cfg.DetectBackoffMax
	}
	if cfg.DetectChunkChars > 0 {
		opts.ChunkChars = cfg.DetectChunkChars
	}
	if cfg.DetectChunkOverlap >= 0 {
		opts.ChunkOverlap = cfg.DetectChunkOverlap
	}
	if cfg.DetectMinConfidence > 0 {
		opts.MinConfidence = cfg.DetectMinConfidence
	}
	if cfg.ContextWindow > 0 {
		opts.ContextWindow = cfg.ContextWindow
	}
	return opts
}

// Pipeline builds the Tesseract-backed pipeline. The capability track is
// enabled only when an LLM provider is configured.
func Pipeline(cfg config.Config, logger *slog.Logger) (*pipeline.Pipeline, error) {
	extractor := ocr.NewAdapter(tesseract.New(cfg.OCRLanguages...), ocr.Options{
		Languages: cfg.OCRLanguages,
		Timeout:   cfg.OCRTimeout,
		CacheTTL:  cfg.LayoutCacheTTL,
	}, logger)

	var capability detect.Capability
	model, err := llm.NewDetector(cfg)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if model != nil {
		capability = model
		logger.Info("capability-assisted detection enabled", "provider", cfg.LLMProvider, "model", cfg.LLMModel)
	}

	tolerance := cfg.MapTolerance
	if tolerance <= 0 {
		tolerance = coords.DefaultTolerance
	}
	return pipeline.New(
		extractor,
		detect.New(capability, DetectOptions(cfg), logger),
		coords.New(tolerance),
		render.New(0),
		logger,
	), nil
}
