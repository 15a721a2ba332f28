// Package crawler fetches Wiggle product pages and extracts raw product data.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wiggletrack/internal/pkg/metrics"
)

// ErrExtraction marks every failure returned by Extract.
var ErrExtraction = errors.New("extraction failed")

// RawSnapshot is the page content before price normalization.
type RawSnapshot struct {
	Name    string
	Summary string
	Rating  RawRating
	Image   string
	Prices  []RawPrice
}

// RawRating holds the review figures as parsed from the page.
type RawRating struct {
	Average  float64
	Quantity int
}

// RawPrice is one sku option with its display price text.
type RawPrice struct {
	Color string
	Size  string
	Price string
}

// ExtractionError carries the failure kind used for logs and metrics.
type ExtractionError struct {
	Kind string // timeout / blocked / network / parse / unknown
	URL  string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// Extractor turns a product URL into a raw snapshot.
type Extractor interface {
	Extract(ctx context.Context, url string) (*RawSnapshot, error)
}

// Fetcher returns the rendered HTML of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
	Name() string
}

// Service is the Wiggle extractor.
type Service struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewService creates an extractor on top of a fetcher.
func NewService(fetcher Fetcher, logger *slog.Logger) *Service {
	return &Service{fetcher: fetcher, logger: logger}
}

// Extract fetches and parses one product page. Every error satisfies
// errors.Is(err, ErrExtraction).
func (s *Service) Extract(ctx context.Context, url string) (*RawSnapshot, error) {
	start := time.Now()
	html, err := s.fetcher.Fetch(ctx, url)
	if err == nil {
		var snap *RawSnapshot
		snap, err = Parse(html)
		if err == nil {
			metrics.ExtractDuration.WithLabelValues(s.fetcher.Name(), "success").Observe(time.Since(start).Seconds())
			s.logger.Debug("product page extracted",
				slog.String("url", url),
				slog.Int("prices", len(snap.Prices)),
				slog.String("duration", time.Since(start).String()))
			return snap, nil
		}
	}

	kind := classifyCrawlerError(err)
	metrics.ExtractDuration.WithLabelValues(s.fetcher.Name(), "error").Observe(time.Since(start).Seconds())
	metrics.ExtractErrorsTotal.WithLabelValues(kind).Inc()
	return nil, &ExtractionError{Kind: kind, URL: url, Err: err}
}
