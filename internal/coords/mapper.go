// Package coords maps text spans of a page onto word bounding boxes.
package coords

import (
	"regexp"
	"strings"

	"redaction-pipeline/internal/models"
)

// DefaultTolerance is how far, in bytes, a reported span may drift from the text it names.
const DefaultTolerance = 32

// Mapper resolves entity spans against a page layout.
type Mapper struct {
	Tolerance int
}

// New returns a mapper with the given tolerance. Negative values fall back to DefaultTolerance.
func New(tolerance int) Mapper {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return Mapper{Tolerance: tolerance}
}

// Map returns one box per contiguous word run covered by span. A span that wraps
// across lines yields one box per line. ok is false when no word run matches
// the entity text within the tolerance.
func (m Mapper) Map(layout models.PageLayout, span models.Span, entityText string) ([]models.Box, bool) {
	text, words := layout.Index()
	resolved, ok := m.resolve(text, span, entityText)
	if !ok {
		return nil, false
	}

	var (
		boxes   []models.Box
		current models.Box
		line    = -1
		prev    = -1
	)
	for i, ws := range words {
		if !ws.Overlaps(resolved) {
			continue
		}
		w := layout.Words[i]
		b := trim(w.Box, ws, resolved)
		if b.IsEmpty() {
			continue
		}
		if line == -1 || w.Line != line || i != prev+1 {
			if line != -1 {
				boxes = append(boxes, current)
			}
			current = b
			line = w.Line
		} else {
			current = current.Union(b)
		}
		prev = i
	}
	if line == -1 {
		return nil, false
	}
	return append(boxes, current), true
}

// MapEntity fills Coordinates, Boxes and Status on e.
func (m Mapper) MapEntity(layout models.PageLayout, e *models.RedactionEntity) {
	boxes, ok := m.Map(layout, e.Span(), e.Text)
	if !ok {
		e.Status = models.EntityUnmapped
		e.Boxes = nil
		e.Coordinates = models.Box{}
		return
	}
	e.Status = models.EntityRendered
	e.Boxes = boxes
	e.Coordinates = boxes[0]
}

// resolve checks that span covers entityText and otherwise searches for the
// nearest occurrence within the tolerance.
func (m Mapper) resolve(text string, span models.Span, entityText string) (models.Span, bool) {
	want := normalize(entityText)
	if span.Start >= 0 && span.End <= len(text) && span.Start < span.End {
		if want == "" || normalize(text[span.Start:span.End]) == want {
			return span, true
		}
	}
	if want == "" {
		return models.Span{}, false
	}

	pattern, err := regexp.Compile(`(?i)` + strings.Join(quoteFields(want), `\s+`))
	if err != nil {
		return models.Span{}, false
	}
	best, bestDist := models.Span{}, -1
	for _, loc := range pattern.FindAllStringIndex(text, -1) {
		d := loc[0] - span.Start
		if d < 0 {
			d = -d
		}
		if d > m.Tolerance {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = models.Span{Start: loc[0], End: loc[1]}, d
		}
	}
	return best, bestDist >= 0
}

// trim narrows a word box horizontally to the part of the word inside span.
func trim(b models.Box, word, span models.Span) models.Box {
	if word.Len() <= 0 {
		return b
	}
	start := max(word.Start, span.Start) - word.Start
	end := min(word.End, span.End) - word.Start
	if start == 0 && end == word.Len() {
		return b
	}
	unit := b.Width / float64(word.Len())
	return models.Box{
		X:      b.X + unit*float64(start),
		Y:      b.Y,
		Width:  unit * float64(end-start),
		Height: b.Height,
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func quoteFields(s string) []string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = regexp.QuoteMeta(f)
	}
	return fields
}
