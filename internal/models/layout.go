package models

import "strings"

// Box is an axis-aligned rectangle in page-pixel units with the origin at the top-left corner.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IsEmpty reports whether the box has non-positive dimensions.
func (b Box) IsEmpty() bool { return b.Width <= 0 || b.Height <= 0 }

// Union returns the smallest box containing both b and o. Empty boxes are ignored.
func (b Box) Union(o Box) Box {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	minX, minY := min(b.X, o.X), min(b.Y, o.Y)
	maxX, maxY := max(b.X+b.Width, o.X+o.Width), max(b.Y+b.Height, o.Y+o.Height)
	return Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Word is a single recognized token and its position on the page.
type Word struct {
	Text       string  `json:"text"`
	Box        Box     `json:"box"`
	Line       int     `json:"line"`
	Confidence float64 `json:"confidence"`
}

// PageLayout is the normalized text and word positions of one page.
type PageLayout struct {
	Page   int     `json:"page"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Words  []Word  `json:"words"`
}

// Span is a half-open byte range into a page's text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether the two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Index linearizes the page: words on the same line are joined by a space and lines by a newline.
// The returned spans give the byte range of every word in the text, in word order.
func (p PageLayout) Index() (string, []Span) {
	var b strings.Builder
	spans := make([]Span, 0, len(p.Words))
	for i, w := range p.Words {
		if i > 0 {
			if w.Line != p.Words[i-1].Line {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		start := b.Len()
		b.WriteString(w.Text)
		spans = append(spans, Span{Start: start, End: b.Len()})
	}
	return b.String(), spans
}

// Text returns the linearized page text used for detection offsets.
func (p PageLayout) Text() string {
	text, _ := p.Index()
	return text
}
