// Package recognize turns one PDF document into Markdown by rasterising it
// and sending each page to a vision model.
package recognize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
)

// Options controls page-level behaviour.
type Options struct {
	PageTimeout time.Duration // per page call, 0 means no limit
	PageDelay   time.Duration // pause between pages of one document
}

// PageHook is called after each page is recognized.
type PageHook func(task domain.Task, page, total int)

// Service orchestrates the PDF extraction process for one task.
type Service struct {
	converter domain.Converter
	pages     domain.PageRecognizer
	opts      Options
	logger    *observability.Logger
	hook      PageHook
}

// NewService creates a new recognition service
func NewService(converter domain.Converter, pages domain.PageRecognizer, opts Options, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Service{
		converter: converter,
		pages:     pages,
		opts:      opts,
		logger:    logger.WithOperation("recognize"),
	}
}

// SetPageHook installs fn as the per-page callback.
func (s *Service) SetPageHook(fn PageHook) {
	s.hook = fn
}

// Recognize converts task's document and recognizes every page with apiKey.
// The first page error aborts the document and is returned unchanged so the
// caller can switch credentials or back off.
func (s *Service) Recognize(ctx context.Context, task domain.Task, apiKey string) (string, error) {
	set, err := s.converter.Convert(ctx, task.InputPath)
	if err != nil {
		return "", err
	}
	defer func() {
		if set.Cleanup != nil {
			if err := set.Cleanup(); err != nil {
				s.logger.Warn().Err(err).Str("file", task.RelPath).Msg("Failed to remove page images")
			}
		}
	}()

	total := len(set.Images)
	s.logger.Debug().Str("file", task.RelPath).Int("pages", total).Msg("Converted PDF to images")

	texts := make([]string, 0, total)
	for i, image := range set.Images {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		text, err := s.recognizePage(ctx, image, apiKey)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", image.PageNumber, err)
		}
		texts = append(texts, WithPageMarker(image.PageNumber, text))

		if s.hook != nil {
			s.hook(task, image.PageNumber, total)
		}

		if s.opts.PageDelay > 0 && i < total-1 {
			timer := time.NewTimer(s.opts.PageDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
	}

	return strings.Join(texts, "\n\n"), nil
}

func (s *Service) recognizePage(ctx context.Context, image domain.PageImage, apiKey string) (string, error) {
	if s.opts.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PageTimeout)
		defer cancel()
	}
	return s.pages.RecognizePage(ctx, image, apiKey)
}

// WithPageMarker prefixes text with a page marker unless the model already
// emitted one.
func WithPageMarker(page int, text string) string {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "=== Page") {
		return text
	}
	marker := fmt.Sprintf("=== Page %d ===", page)
	if text == "" {
		return marker
	}
	return marker + "\n\n" + text
}
