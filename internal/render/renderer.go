// Package render burns redaction boxes into page rasters.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
)

// DefaultPreviewWidth is the width of the first-page thumbnail.
const DefaultPreviewWidth = 320

// Output is a rendered artifact plus a JPEG preview of the first page.
type Output struct {
	Data        []byte
	ContentType string
	Preview     []byte
}

// Renderer draws opaque boxes over mapped entities.
type Renderer struct {
	PreviewWidth int
	Fill         color.Color
}

// New returns a renderer with black boxes.
func New(previewWidth int) Renderer {
	if previewWidth <= 0 {
		previewWidth = DefaultPreviewWidth
	}
	return Renderer{PreviewWidth: previewWidth, Fill: color.Black}
}

// Render produces the redacted artifact for data. Only entities with boxes are
// drawn; unmapped entities are skipped. Page dimensions and every pixel outside
// the boxes are preserved. Any failure returns models.ErrRender and no output.
func (r Renderer) Render(data []byte, entities []models.RedactionEntity) (Output, error) {
	pages, err := document.Decode(data)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", models.ErrRender, err)
	}

	byPage := make(map[int][]models.Box)
	for _, e := range entities {
		if e.Status == models.EntityUnmapped || len(e.Boxes) == 0 {
			continue
		}
		if e.Page < 0 || e.Page >= len(pages) {
			return Output{}, fmt.Errorf("%w: entity %s on page %d of %d", models.ErrRender, e.ID, e.Page, len(pages))
		}
		byPage[e.Page] = append(byPage[e.Page], e.Boxes...)
	}

	fill := image.NewUniform(r.Fill)
	out := make([]image.Image, len(pages))
	for i, src := range pages {
		b := src.Bounds()
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		for _, box := range byPage[i] {
			rect := toRect(box).Intersect(dst.Bounds())
			if rect.Empty() {
				continue
			}
			draw.Draw(dst, rect, fill, image.Point{}, draw.Src)
		}
		out[i] = dst
	}

	encoded, contentType, err := document.Encode(out)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", models.ErrRender, err)
	}
	preview, err := r.thumbnail(out[0])
	if err != nil {
		return Output{}, fmt.Errorf("%w: preview: %v", models.ErrRender, err)
	}
	return Output{Data: encoded, ContentType: contentType, Preview: preview}, nil
}

func (r Renderer) thumbnail(img image.Image) ([]byte, error) {
	width := r.PreviewWidth
	if width <= 0 {
		width = DefaultPreviewWidth
	}
	if img.Bounds().Dx() < width {
		width = img.Bounds().Dx()
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toRect expands a box outward to whole pixels.
func toRect(b models.Box) image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)),
		int(math.Floor(b.Y)),
		int(math.Ceil(b.X+b.Width)),
		int(math.Ceil(b.Y+b.Height)),
	)
}
