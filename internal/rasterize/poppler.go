// Package rasterize converts a PDF into ordered per-page PNG images using
// poppler's pdftoppm, then preprocesses each page for OCR.
package rasterize

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/budgetscan/pdf-ocr-service/internal/types"
)

// Rasterizer produces the ordered page images for a PDF. outDir is the
// request's temp directory; the caller owns its lifecycle.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]types.PageImage, error)
}

// Poppler shells out to pdftoppm. Requires poppler-utils on the host.
type Poppler struct {
	// Timeout bounds a single pdftoppm run. Zero means no extra bound
	// beyond the request context.
	Timeout time.Duration

	// Preprocess converts pages to grayscale with a mild contrast boost
	// before OCR.
	Preprocess bool
}

func (p *Poppler) Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]types.PageImage, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	prefix := filepath.Join(outDir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-r", strconv.Itoa(dpi),
		"-png",
		pdfPath,
		prefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("pdftoppm: %v: %s", err, msg)
		}
		return nil, fmt.Errorf("pdftoppm: %w", err)
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("globbing page images: %w", err)
	}
	pages, err := orderPages(matches, dpi)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}

	if p.Preprocess {
		for _, pg := range pages {
			if err := preprocess(pg.Path); err != nil {
				return nil, fmt.Errorf("preprocessing page %d: %w", pg.PageNumber, err)
			}
		}
	}
	return pages, nil
}

// orderPages sorts pdftoppm outputs by their numeric page suffix. pdftoppm
// zero-pads inconsistently across versions, so lexical order is not enough.
func orderPages(paths []string, dpi int) ([]types.PageImage, error) {
	pages := make([]types.PageImage, 0, len(paths))
	for _, path := range paths {
		n, err := pageNumber(path)
		if err != nil {
			return nil, err
		}
		pages = append(pages, types.PageImage{PageNumber: n, Path: path, DPI: dpi})
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].PageNumber < pages[j].PageNumber
	})
	return pages, nil
}

// pageNumber parses the "-N" suffix of a pdftoppm output file name,
// e.g. page-07.png -> 7.
func pageNumber(path string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(base, "-")
	if idx < 0 || idx == len(base)-1 {
		return 0, fmt.Errorf("unexpected page image name %q", filepath.Base(path))
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("unexpected page image name %q", filepath.Base(path))
	}
	return n, nil
}

func preprocess(path string) error {
	img, err := imaging.Open(path)
	if err != nil {
		return err
	}
	out := imaging.AdjustContrast(imaging.Grayscale(img), 10)
	return imaging.Save(out, path)
}
