// Package document converts uploaded artifacts into page rasters and back.
//
// A single PNG, JPEG, GIF, TIFF or BMP image is a one-page document. A ZIP bundle of such images is a
// multi-page document whose pages are ordered by entry name. PDF pages are rasterized at PDFDPI.
// Redacted output is always raster: one page encodes to PNG, several pages to a ZIP of PNGs.
package document

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

const (
	ContentTypePNG = "image/png"
	ContentTypeZIP = "application/zip"

	// MaxPages bounds the number of pages accepted from a bundle.
	MaxPages = 200
	// MaxPixels bounds a single page. An A4 page scanned at 600 dpi is about 35 million pixels.
	MaxPixels = 40_000_000
	// MaxTotalPixels bounds all pages of one document together.
	MaxTotalPixels = 400_000_000
	// maxEntryBytes bounds a single decompressed bundle entry.
	maxEntryBytes = 64 << 20
)

// ErrUnsupported is returned for artifacts that are neither an image nor a page bundle.
var ErrUnsupported = errors.New("unsupported document format")

// entryTime is stamped on every bundle entry so identical pages encode to identical bytes.
var entryTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Sniff reports the content type of an uploaded artifact and whether it is supported.
// Any ZIP container is treated as a page bundle.
func Sniff(data []byte) (string, bool) {
	if isZip(data) {
		return ContentTypeZIP, true
	}
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if ct := m.String(); imageTypes[ct] || ct == ContentTypePDF {
			return ct, true
		}
	}
	return mt.String(), false
}

// Inspect checks page count and page dimensions from the image headers
// without decoding any pixels.
func Inspect(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty artifact", ErrUnsupported)
	}
	if isPDF(data) {
		return inspectPDF(data)
	}
	if !isZip(data) {
		_, err := pixels("image", bytes.NewReader(data))
		return err
	}
	files, err := bundlePages(data)
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: open page %s: %v", ErrUnsupported, f.Name, err)
		}
		n, err := pixels("page "+f.Name, rc)
		rc.Close()
		if err != nil {
			return err
		}
		if total += n; total > MaxTotalPixels {
			return fmt.Errorf("%w: pages exceed %d pixels in total", ErrUnsupported, MaxTotalPixels)
		}
	}
	return nil
}

// pixels reads the header of one image and rejects it when it is larger than MaxPixels.
func pixels(name string, r io.Reader) (int64, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", ErrUnsupported, name, err)
	}
	n := int64(cfg.Width) * int64(cfg.Height)
	if cfg.Width <= 0 || cfg.Height <= 0 || n > MaxPixels {
		return 0, fmt.Errorf("%w: %s is %dx%d (max %d pixels)", ErrUnsupported, name, cfg.Width, cfg.Height, MaxPixels)
	}
	return n, nil
}

// Decode returns the pages of an artifact in order. Pages keep their stored
// orientation so boxes line up with the uploaded pixels.
func Decode(data []byte) ([]image.Image, error) {
	if err := Inspect(data); err != nil {
		return nil, err
	}
	if isPDF(data) {
		return decodePDF(data)
	}
	if isZip(data) {
		return decodeBundle(data)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrUnsupported, err)
	}
	return []image.Image{img}, nil
}

func decodeBundle(data []byte) ([]image.Image, error) {
	files, err := bundlePages(data)
	if err != nil {
		return nil, err
	}
	pages := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := decodeEntry(f)
		if err != nil {
			return nil, err
		}
		pages = append(pages, img)
	}
	return pages, nil
}

// bundlePages lists the page entries of a bundle in page order.
func bundlePages(data []byte) ([]*zip.File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open bundle: %v", ErrUnsupported, err)
	}
	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(path.Base(f.Name), ".") {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: bundle has no pages", ErrUnsupported)
	}
	if len(files) > MaxPages {
		return nil, fmt.Errorf("%w: bundle has %d pages (max %d)", ErrUnsupported, len(files), MaxPages)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func decodeEntry(f *zip.File) (image.Image, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open page %s: %v", ErrUnsupported, f.Name, err)
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read page %s: %v", ErrUnsupported, f.Name, err)
	}
	if len(body) > maxEntryBytes {
		return nil, fmt.Errorf("%w: page %s too large", ErrUnsupported, f.Name)
	}
	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: decode page %s: %v", ErrUnsupported, f.Name, err)
	}
	return img, nil
}

// Encode serializes pages: a single page becomes a PNG, several pages a ZIP of PNGs.
// Output is deterministic for identical pages.
func Encode(pages []image.Image) ([]byte, string, error) {
	if len(pages) == 0 {
		return nil, "", errors.New("no pages to encode")
	}
	if len(pages) == 1 {
		data, err := EncodePNG(pages[0])
		return data, ContentTypePNG, err
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for i, page := range pages {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     PageName(i),
			Method:   zip.Deflate,
			Modified: entryTime,
		})
		if err != nil {
			return nil, "", fmt.Errorf("create page %d: %w", i, err)
		}
		if err := imaging.Encode(w, page, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("encode page %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("close bundle: %w", err)
	}
	return buf.Bytes(), ContentTypeZIP, nil
}

// EncodePNG encodes a single page.
func EncodePNG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// PageName is the bundle entry name of page i.
func PageName(i int) string {
	return fmt.Sprintf("page-%04d.png", i+1)
}

// Extension returns the file extension, dot included, for a supported content type.
func Extension(contentType string) string {
	switch contentType {
	case ContentTypeZIP:
		return ".zip"
	case ContentTypePDF:
		return ".pdf"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	default:
		return ".png"
	}
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04")) || bytes.HasPrefix(data, []byte("PK\x05\x06"))
}
