// Package pdf rasterises PDF documents into page images with go-fitz.
package pdf

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
)

// Options controls rendering.
type Options struct {
	DPI          int // render resolution, default 150
	MaxImageSide int // longest side in pixels, 0 means no limit
	Quality      int // JPEG quality 1-100
	TempDir      string
}

// Converter implements PDF to image conversion using go-fitz. It keeps no
// per-document state and can be shared by workers.
type Converter struct {
	opts      Options
	validator *Validator
	logger    *observability.Logger
}

// NewConverter creates a new PDF converter instance
func NewConverter(opts Options, logger *observability.Logger) (*Converter, error) {
	if opts.DPI <= 0 {
		opts.DPI = 150
	}
	if opts.Quality == 0 {
		opts.Quality = 85
	}
	v := NewValidator()
	if err := v.ValidateQuality(opts.Quality); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Converter{opts: opts, validator: v, logger: logger.WithOperation("pdf-convert")}, nil
}

// Convert renders every page of pdfPath to a JPEG in a private temp
// directory. Malformed input is a PermanentError; local I/O trouble is a
// TransientError.
func (c *Converter) Convert(ctx context.Context, pdfPath string) (*domain.PageSet, error) {
	large, err := c.validator.ValidatePDFPath(pdfPath)
	if err != nil {
		return nil, &domain.PermanentError{Reason: "invalid document", Err: err}
	}
	if large {
		c.logger.Warn().Str("file", filepath.Base(pdfPath)).Msg("PDF file is very large, processing may take a while")
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, &domain.PermanentError{Reason: "invalid document", Err: domain.ConversionError("Failed to open PDF", err)}
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, &domain.PermanentError{Reason: "invalid document", Err: domain.ValidationError("PDF has no pages", nil)}
	}

	tempDir, err := os.MkdirTemp(c.opts.TempDir, "batch-extractor-*")
	if err != nil {
		return nil, &domain.TransientError{Err: domain.IOError("Failed to create temp directory", err)}
	}
	set := &domain.PageSet{
		Cleanup: func() error { return os.RemoveAll(tempDir) },
	}

	images := make([]domain.PageImage, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			set.Cleanup()
			return nil, ctx.Err()
		default:
		}

		page, err := c.renderPage(doc, pageNum, tempDir)
		if err != nil {
			set.Cleanup()
			return nil, err
		}
		images = append(images, page)
	}

	set.Images = images
	return set, nil
}

func (c *Converter) renderPage(doc *fitz.Document, pageNum int, dir string) (domain.PageImage, error) {
	dpi := float64(c.opts.DPI)
	if c.opts.MaxImageSide > 0 {
		if bound, err := doc.Bound(pageNum); err == nil {
			dpi = FitDPI(bound.Dx(), bound.Dy(), c.opts.DPI, c.opts.MaxImageSide)
		}
	}

	img, err := doc.ImageDPI(pageNum, dpi)
	if err != nil {
		return domain.PageImage{}, &domain.PermanentError{
			Reason: "invalid document",
			Err:    domain.ConversionError(fmt.Sprintf("Failed to convert page %d", pageNum+1), err),
		}
	}

	outputPath := filepath.Join(dir, fmt.Sprintf("page_%04d.jpg", pageNum+1))
	outputFile, err := os.Create(outputPath)
	if err != nil {
		return domain.PageImage{}, &domain.TransientError{
			Err: domain.IOError(fmt.Sprintf("Failed to create output file for page %d", pageNum+1), err),
		}
	}

	err = jpeg.Encode(outputFile, img, &jpeg.Options{Quality: c.opts.Quality})
	closeErr := outputFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return domain.PageImage{}, &domain.TransientError{
			Err: domain.ConversionError(fmt.Sprintf("Failed to encode page %d as JPG", pageNum+1), err),
		}
	}

	bounds := img.Bounds()
	return domain.PageImage{
		PageNumber: pageNum + 1,
		ImagePath:  outputPath,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}, nil
}

// FitDPI returns the render DPI for a page of the given size in points so
// that its longest side stays within maxSide pixels.
func FitDPI(widthPt, heightPt, dpi, maxSide int) float64 {
	longest := widthPt
	if heightPt > longest {
		longest = heightPt
	}
	if longest <= 0 || maxSide <= 0 {
		return float64(dpi)
	}
	limit := float64(maxSide) * 72 / float64(longest)
	if limit < float64(dpi) {
		return limit
	}
	return float64(dpi)
}
