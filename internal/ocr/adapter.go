package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
)

// Adapter turns a document artifact into per-page layouts using an Engine.
// Layouts are cached by key so a job computes them at most once.
type Adapter struct {
	engine    Engine
	languages []string
	timeout   time.Duration
	cache     *cache.Cache
	logger    *slog.Logger
}

// Options configure an Adapter.
type Options struct {
	Languages []string
	// Timeout bounds the whole extraction. Zero disables the bound.
	Timeout  time.Duration
	CacheTTL time.Duration
}

// NewAdapter builds an adapter. A nil engine behaves like NopEngine.
func NewAdapter(engine Engine, opts Options, logger *slog.Logger) *Adapter {
	if engine == nil {
		engine = NopEngine{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return &Adapter{
		engine:    engine,
		languages: opts.Languages,
		timeout:   opts.Timeout,
		cache:     cache.New(ttl, ttl/2),
		logger:    logger,
	}
}

// Extract returns one layout per page of data. Pages whose recognition fails get an empty word list.
// It fails with models.ErrExtraction when the artifact cannot be opened or the timeout elapses.
func (a *Adapter) Extract(ctx context.Context, key string, data []byte) ([]models.PageLayout, error) {
	if key != "" {
		if cached, ok := a.cache.Get(key); ok {
			return cached.([]models.PageLayout), nil
		}
	}

	pages, err := document.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExtraction, err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	layouts := make([]models.PageLayout, 0, len(pages))
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, a.interrupted(err)
		}
		bounds := page.Bounds()
		layout := models.PageLayout{
			Page:   i,
			Width:  float64(bounds.Dx()),
			Height: float64(bounds.Dy()),
			Words:  []models.Word{},
		}

		img, err := document.EncodePNG(page)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", models.ErrExtraction, i, err)
		}
		res, err := a.engine.Recognize(ctx, Input{
			PageIndex: i,
			Image:     img,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
			Languages: a.languages,
		})
		switch {
		case ctx.Err() != nil:
			return nil, a.interrupted(ctx.Err())
		case err != nil:
			a.logger.Warn("ocr failed, page has no text", "engine", a.engine.Name(), "page", i, "error", err)
		default:
			layout.Words = append(layout.Words, res.Words...)
		}
		layouts = append(layouts, layout)
	}

	if key != "" {
		a.cache.SetDefault(key, layouts)
	}
	return layouts, nil
}

// Forget drops a cached layout.
func (a *Adapter) Forget(key string) {
	a.cache.Delete(key)
}

func (a *Adapter) interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: ocr timed out after %s: %w", models.ErrExtraction, a.timeout, err)
	}
	return err
}
