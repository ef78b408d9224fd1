package document

import (
	"bytes"
	"fmt"
	"image"

	fitz "github.com/gen2brain/go-fitz"
)

const (
	ContentTypePDF = "application/pdf"

	// PDFDPI is the resolution PDF pages are rasterized at for recognition.
	PDFDPI = 300
)

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// openPDF opens a PDF and checks its page count.
func openPDF(data []byte) (*fitz.Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", ErrUnsupported, err)
	}
	n := doc.NumPage()
	if n == 0 {
		doc.Close()
		return nil, fmt.Errorf("%w: pdf has no pages", ErrUnsupported)
	}
	if n > MaxPages {
		doc.Close()
		return nil, fmt.Errorf("%w: pdf has %d pages (max %d)", ErrUnsupported, n, MaxPages)
	}
	return doc, nil
}

// inspectPDF checks the rasterized size of every page from the page boxes.
func inspectPDF(data []byte) error {
	doc, err := openPDF(data)
	if err != nil {
		return err
	}
	defer doc.Close()

	var total int64
	for i := 0; i < doc.NumPage(); i++ {
		w, h, err := pageSize(doc, i)
		if err != nil {
			return err
		}
		n := int64(w) * int64(h)
		if w <= 0 || h <= 0 || n > MaxPixels {
			return fmt.Errorf("%w: pdf page %d is %dx%d at %d dpi (max %d pixels)", ErrUnsupported, i+1, w, h, PDFDPI, MaxPixels)
		}
		if total += n; total > MaxTotalPixels {
			return fmt.Errorf("%w: pages exceed %d pixels in total", ErrUnsupported, MaxTotalPixels)
		}
	}
	return nil
}

// pageSize returns the pixel size of page i at PDFDPI. Page boxes are in points.
func pageSize(doc *fitz.Document, i int) (int, int, error) {
	bound, err := doc.Bound(i)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: pdf page %d: %v", ErrUnsupported, i+1, err)
	}
	scale := float64(PDFDPI) / 72
	return int(float64(bound.Dx()) * scale), int(float64(bound.Dy()) * scale), nil
}

// decodePDF rasterizes every page. The text layer is not kept, so nothing
// under a redaction box survives into the output.
func decodePDF(data []byte) ([]image.Image, error) {
	doc, err := openPDF(data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	pages := make([]image.Image, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.ImageDPI(i, PDFDPI)
		if err != nil {
			return nil, fmt.Errorf("%w: rasterize pdf page %d: %v", ErrUnsupported, i+1, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}
