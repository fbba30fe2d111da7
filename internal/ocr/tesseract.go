// Package ocr wraps the Tesseract engine (via gosseract) behind a small
// interface so the pipeline can run against a fake engine in tests.
//
// Tesseract and the language data for each supported code must be installed
// on the host (tesseract-ocr, tesseract-ocr-<lang>).
package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Engine converts one page image into raw text.
type Engine interface {
	Recognize(ctx context.Context, imagePath, language string) (string, error)
}

// Tesseract runs the local tesseract engine. Each call uses a fresh client:
// gosseract clients are not safe for concurrent reuse, and per-page creation
// keeps the engine stateless across requests.
type Tesseract struct{}

func (Tesseract) Recognize(ctx context.Context, imagePath, language string) (string, error) {
	// gosseract has no context support; honour cancellation between pages.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(language); err != nil {
		return "", fmt.Errorf("setting language %q: %w", language, err)
	}
	if err := client.SetImage(imagePath); err != nil {
		return "", fmt.Errorf("setting image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return text, nil
}

// Version reports the installed tesseract version, for the health endpoint.
func Version() string {
	client := gosseract.NewClient()
	defer client.Close()
	return client.Version()
}
