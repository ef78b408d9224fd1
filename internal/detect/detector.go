// Package detect finds candidate sensitive entities in page text using
// template regex patterns and an optional text-understanding capability.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"redaction-pipeline/internal/models"
)

// ErrMalformed marks a capability response that cannot be parsed. It is not retried.
var ErrMalformed = errors.New("malformed capability response")

// Finding is one entity reported by a Capability. Start and End are byte
// offsets into the text that was submitted.
type Finding struct {
	Type       string
	Text       string
	Start      int
	End        int
	Confidence float64
}

// Capability is an external text-understanding service.
type Capability interface {
	Detect(ctx context.Context, text string, types []string) ([]Finding, error)
}

// Options tune the capability track.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ChunkChars     int
	ChunkOverlap   int
	MinConfidence  float64
	ContextWindow  int
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     8 * time.Second,
		ChunkChars:     6000,
		ChunkOverlap:   200,
		MinConfidence:  0.5,
		ContextWindow:  24,
	}
}

// Result is the candidate set of one or more pages.
type Result struct {
	Entities []models.RedactionEntity
	// Degraded is set when the capability track failed and only pattern results remain.
	Degraded bool
}

// Detector runs both detection tracks. A nil capability disables the capability track.
type Detector struct {
	capability Capability
	opts       Options
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// New builds a detector.
func New(capability Capability, opts Options, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{capability: capability, opts: opts, logger: logger, sleep: sleepCtx}
}

// DetectAll runs Detect for every page and concatenates the candidates.
func (d *Detector) DetectAll(ctx context.Context, layouts []models.PageLayout, tmpl models.RedactionTemplate) (Result, error) {
	var out Result
	for _, layout := range layouts {
		res, err := d.Detect(ctx, layout, tmpl)
		if err != nil {
			return Result{}, err
		}
		out.Entities = append(out.Entities, res.Entities...)
		out.Degraded = out.Degraded || res.Degraded
	}
	return out, nil
}

// Detect returns the deduplicated candidates of one page. Capability failures
// degrade the result instead of failing; only caller cancellation and invalid
// template patterns are returned as errors.
func (d *Detector) Detect(ctx context.Context, layout models.PageLayout, tmpl models.RedactionTemplate) (Result, error) {
	text := layout.Text()
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}

	patterned, err := patternTrack(text, layout.Page, tmpl)
	if err != nil {
		return Result{}, err
	}

	var (
		modelled []models.RedactionEntity
		degraded bool
	)
	if d.capability != nil && len(tmpl.Categories) > 0 {
		modelled, err = d.capabilityTrack(ctx, text, layout.Page, tmpl.Types())
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			d.logger.Warn("detection degraded to pattern track", "page", layout.Page, "error", err)
			degraded = true
			modelled = nil
		}
	}

	entities := Dedupe(append(patterned, modelled...))
	for i := range entities {
		entities[i].Context = Window(text, entities[i].Span(), d.opts.ContextWindow)
		entities[i].ID = entityID(entities[i])
		entities[i].Status = models.EntityCandidate
	}
	return Result{Entities: entities, Degraded: degraded}, nil
}

func patternTrack(text string, page int, tmpl models.RedactionTemplate) ([]models.RedactionEntity, error) {
	var out []models.RedactionEntity
	for _, cat := range tmpl.Categories {
		for _, p := range cat.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, models.Validationf("category %s: pattern %q: %v", cat.Type, p, err)
			}
			for _, loc := range re.FindAllStringIndex(text, -1) {
				if loc[1] == loc[0] {
					continue
				}
				out = append(out, models.RedactionEntity{
					Text:       text[loc[0]:loc[1]],
					Type:       cat.Type,
					Confidence: 1.0,
					Page:       page,
					Match:      models.PatternMatch{Offset: loc[0], Length: loc[1] - loc[0]},
				})
			}
		}
	}
	return out, nil
}

func (d *Detector) capabilityTrack(ctx context.Context, text string, page int, types []string) ([]models.RedactionEntity, error) {
	var out []models.RedactionEntity
	for _, c := range split(text, d.opts.ChunkChars, d.opts.ChunkOverlap) {
		findings, err := d.callWithRetry(ctx, c.text, types)
		if err != nil {
			return nil, err
		}
		for _, f := range findings {
			start, end := f.Start+c.offset, f.End+c.offset
			if start < 0 || end > len(text) || start >= end {
				continue
			}
			if f.Confidence < d.opts.MinConfidence {
				continue
			}
			out = append(out, models.RedactionEntity{
				Text:       text[start:end],
				Type:       f.Type,
				Confidence: clamp01(f.Confidence),
				Page:       page,
				Match:      models.ModelMatch{Start: start, End: end},
			})
		}
	}
	return out, nil
}

func (d *Detector) callWithRetry(ctx context.Context, text string, types []string) ([]Finding, error) {
	var lastErr error
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffWithJitter(d.opts.BackoffInitial, d.opts.BackoffMax, attempt)
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.opts.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		}
		findings, err := d.capability.Detect(callCtx, text, types)
		cancel()
		if err == nil {
			return findings, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		lastErr = err
		d.logger.Debug("capability call failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("capability unavailable after %d attempts: %w", d.opts.MaxRetries+1, lastErr)
}

// Dedupe collapses same-type overlapping candidates on the same page.
// Pattern matches beat model matches; among pattern matches the longer span
// wins, among model matches the higher confidence wins. Different types are
// never merged. The result is ordered by page, start offset and type.
func Dedupe(in []models.RedactionEntity) []models.RedactionEntity {
	sorted := append([]models.RedactionEntity(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	kept := make([]models.RedactionEntity, 0, len(sorted))
	for _, cand := range sorted {
		dup := -1
		for i := range kept {
			k := kept[i]
			if k.Page == cand.Page && models.SameType(k.Type, cand.Type) && k.Span().Overlaps(cand.Span()) {
				dup = i
				break
			}
		}
		if dup < 0 {
			kept = append(kept, cand)
			continue
		}
		if preferred(cand, kept[dup]) {
			kept[dup] = cand
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return less(kept[i], kept[j]) })
	return kept
}

func preferred(a, b models.RedactionEntity) bool {
	pa, pb := a.Provenance() == models.ProvenancePattern, b.Provenance() == models.ProvenancePattern
	switch {
	case pa && !pb:
		return true
	case !pa && pb:
		return false
	case pa && pb:
		return a.Span().Len() > b.Span().Len()
	default:
		return a.Confidence > b.Confidence
	}
}

func less(a, b models.RedactionEntity) bool {
	if a.Page != b.Page {
		return a.Page < b.Page
	}
	sa, sb := a.Span(), b.Span()
	if sa.Start != sb.Start {
		return sa.Start < sb.Start
	}
	if sa.End != sb.End {
		return sa.End > sb.End
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Provenance() < b.Provenance()
}

// Window returns the match plus up to n bytes either side, cut on rune boundaries.
func Window(text string, span models.Span, n int) string {
	if span.Start < 0 || span.End > len(text) || span.Start > span.End {
		return ""
	}
	start := max(span.Start-n, 0)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	end := min(span.End+n, len(text))
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return text[start:end]
}

var entityNamespace = uuid.MustParse("6f1c1c52-3a6e-4b52-9c38-5d0d3c1b7e21")

func entityID(e models.RedactionEntity) string {
	s := e.Span()
	key := fmt.Sprintf("%d:%d:%d:%s:%s", e.Page, s.Start, s.End, strings.ToUpper(e.Type), e.Provenance())
	return uuid.NewSHA1(entityNamespace, []byte(key)).String()
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}
