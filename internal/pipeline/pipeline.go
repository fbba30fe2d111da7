// Package pipeline runs the one-way extraction pipeline:
// ingress -> rasterize -> OCR -> normalize -> (structured extraction).
//
// Every entity is request-scoped. The temp directory holding the PDF and its
// page images is removed on every exit path.
package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	ledongpdf "github.com/ledongthuc/pdf"
	"github.com/sirupsen/logrus"

	"github.com/budgetscan/pdf-ocr-service/internal/config"
	"github.com/budgetscan/pdf-ocr-service/internal/normalize"
	"github.com/budgetscan/pdf-ocr-service/internal/ocr"
	"github.com/budgetscan/pdf-ocr-service/internal/rasterize"
	"github.com/budgetscan/pdf-ocr-service/internal/types"
)

var pdfMagic = []byte("%PDF")

// Extractor is the structured-extraction stage. Satisfied by
// *extract.Extractor; faked in tests.
type Extractor interface {
	Extract(ctx context.Context, document string) ([]types.ExtractionRecord, error)
}

// Pipeline wires the stage adapters together. Safe for concurrent use: all
// per-request state lives on the stack and in the request's temp dir.
type Pipeline struct {
	cfg       config.Config
	rast      rasterize.Rasterizer
	engine    ocr.Engine
	extractor Extractor
	log       *logrus.Logger
}

func New(cfg config.Config, rast rasterize.Rasterizer, engine ocr.Engine, extractor Extractor, log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{cfg: cfg, rast: rast, engine: engine, extractor: extractor, log: log}
}

// ApplyDefaults clamps the per-request options into configured bounds.
func (p *Pipeline) ApplyDefaults(opts types.ExtractOptions) types.ExtractOptions {
	if opts.DPI == 0 {
		opts.DPI = p.cfg.DefaultDPI
	}
	if opts.DPI < p.cfg.MinDPI {
		opts.DPI = p.cfg.MinDPI
	}
	if opts.DPI > p.cfg.MaxDPI {
		opts.DPI = p.cfg.MaxDPI
	}
	if strings.TrimSpace(opts.Language) == "" {
		opts.Language = p.cfg.DefaultLanguage
	}
	return opts
}

// ExtractText runs stages 1-4 and returns the normalized document.
func (p *Pipeline) ExtractText(ctx context.Context, pdfBytes []byte, opts types.ExtractOptions) (*types.DocumentResult, error) {
	opts = p.ApplyDefaults(opts)

	if err := p.validateInput(pdfBytes); err != nil {
		return nil, err
	}

	start := time.Now()

	tmpDir, cleanup, err := p.stagePDF(pdfBytes)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	images, err := p.rast.Rasterize(ctx, filepath.Join(tmpDir, "doc.pdf"), tmpDir, opts.DPI)
	if err != nil {
		return nil, stageErrf(StageConvert, "rasterization failed: %w", err)
	}

	pages, err := p.ocrPages(ctx, images, opts.Language)
	if err != nil {
		return nil, err
	}

	doc := normalize.Document(pages)

	p.log.WithFields(logrus.Fields{
		"pages":    len(pages),
		"dpi":      opts.DPI,
		"lang":     opts.Language,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Info("document extracted")

	return &types.DocumentResult{
		Text:       doc,
		TotalPages: len(pages),
		Pages:      pages,
	}, nil
}

// ExtractStructured runs stages 1-5 and returns the validated records along
// with the intermediate document. Full-or-nothing: extraction failures
// surface with no partial record set.
func (p *Pipeline) ExtractStructured(ctx context.Context, pdfBytes []byte, opts types.ExtractOptions) ([]types.ExtractionRecord, *types.DocumentResult, error) {
	doc, err := p.ExtractText(ctx, pdfBytes, opts)
	if err != nil {
		return nil, nil, err
	}

	if p.extractor == nil {
		return nil, nil, stageErrf(StageExtract, "inference endpoint not configured")
	}

	ectx := ctx
	if p.cfg.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, p.cfg.InferenceTimeout)
		defer cancel()
	}

	records, err := p.extractor.Extract(ectx, doc.Text)
	if err != nil {
		return nil, nil, stageErrf(StageExtract, "structured extraction failed: %w", err)
	}

	p.log.WithField("records", len(records)).Info("structured extraction complete")
	return records, doc, nil
}

// validateInput rejects what is clearly not a usable upload before any
// external tool runs: empty or oversized bodies, bytes without the PDF
// magic, and documents over the page bound.
func (p *Pipeline) validateInput(pdfBytes []byte) error {
	if len(pdfBytes) == 0 {
		return stageErrf(StageInput, "empty upload")
	}
	if p.cfg.MaxPDFBytes > 0 && int64(len(pdfBytes)) > p.cfg.MaxPDFBytes {
		return stageErrf(StageInput, "PDF exceeds %dMB limit", p.cfg.MaxPDFBytes/(1<<20))
	}
	if !bytes.HasPrefix(pdfBytes, pdfMagic) {
		return stageErrf(StageInput, "upload is not a PDF")
	}
	if n := probePageCount(pdfBytes); p.cfg.MaxPages > 0 && n > p.cfg.MaxPages {
		return stageErrf(StageInput, "PDF has %d pages, limit is %d", n, p.cfg.MaxPages)
	}
	return nil
}

// probePageCount parses the PDF structure for a page count. Best effort: a
// damaged file returns 0 here and fails properly in the rasterizer, which is
// the component whose error the contract requires for corrupt PDFs.
func probePageCount(pdfBytes []byte) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	r, err := ledongpdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}

// stagePDF writes the upload into a fresh temp dir. The cleanup closure
// removes the whole dir, page images included.
func (p *Pipeline) stagePDF(pdfBytes []byte) (dir string, cleanup func(), err error) {
	tmpDir, err := os.MkdirTemp("", "ocrsvc-*")
	if err != nil {
		return "", nil, stageErrf(StageConvert, "temp dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(tmpDir) }

	if err := os.WriteFile(filepath.Join(tmpDir, "doc.pdf"), pdfBytes, 0o600); err != nil {
		cleanup()
		return "", nil, stageErrf(StageConvert, "staging PDF: %w", err)
	}
	return tmpDir, cleanup, nil
}

// ocrPages runs the engine over every page in document order. A failure on
// any page aborts the whole request: a partially OCR'd document would feed
// incomplete text to structured extraction, which is worse than a clean
// error the caller can retry.
func (p *Pipeline) ocrPages(ctx context.Context, images []types.PageImage, lang string) ([]types.PageText, error) {
	pages := make([]types.PageText, 0, len(images))
	empty := true
	for _, img := range images {
		text, err := p.engine.Recognize(ctx, img.Path, lang)
		if err != nil {
			return nil, stageErrf(StageOCR, "page %d: %w", img.PageNumber, err)
		}
		if strings.TrimSpace(text) != "" {
			empty = false
		}
		pages = append(pages, types.PageText{PageNumber: img.PageNumber, Text: text})
	}
	if empty {
		return nil, stageErrf(StageOCR, "no text could be extracted from any page")
	}
	return pages, nil
}
