package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/sync/semaphore"

	"github.com/budgetscan/pdf-ocr-service/internal/config"
	"github.com/budgetscan/pdf-ocr-service/internal/pipeline"
	"github.com/budgetscan/pdf-ocr-service/internal/types"
)

type stubRasterizer struct {
	pages int
	err   error
}

func (s *stubRasterizer) Rasterize(ctx context.Context, pdfPath, outDir string, dpi int) ([]types.PageImage, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.PageImage, 0, s.pages)
	for i := 1; i <= s.pages; i++ {
		out = append(out, types.PageImage{PageNumber: i, Path: fmt.Sprintf("%s/page-%d.png", outDir, i), DPI: dpi})
	}
	return out, nil
}

type stubEngine struct{ text string }

func (s *stubEngine) Recognize(ctx context.Context, imagePath, language string) (string, error) {
	return s.text, nil
}

type stubExtractor struct {
	records []types.ExtractionRecord
	err     error
}

func (s *stubExtractor) Extract(ctx context.Context, document string) ([]types.ExtractionRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

func setupGlobals(t *testing.T) {
	t.Helper()
	cfg = config.Load()
	cfg.MaxPDFBytes = 1 << 20
	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	ocrSem = semaphore.NewWeighted(cfg.MaxOCRConcurrent)
}

func multipartPDF(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

var stubPDF = []byte("%PDF-1.4\nstub\n%%EOF")

func TestHandleExtractText(t *testing.T) {
	setupGlobals(t)
	proc := pipeline.New(cfg, &stubRasterizer{pages: 2}, &stubEngine{text: "Army +118,600"}, nil, log)

	body, ct := multipartPDF(t, "tranche3.pdf", stubPDF, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtract(rr, req, proc)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "tranche3.txt") {
		t.Errorf("Content-Disposition = %q", got)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}
	text := rr.Body.String()
	if !strings.Contains(text, "--- Page 1 ---") || !strings.Contains(text, "--- Page 2 ---") {
		t.Errorf("missing page markers in %q", text)
	}
}

func TestHandleExtractEmptyUpload(t *testing.T) {
	setupGlobals(t)
	rast := &stubRasterizer{pages: 1}
	proc := pipeline.New(cfg, rast, &stubEngine{text: "x"}, nil, log)

	body, ct := multipartPDF(t, "empty.pdf", nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtract(rr, req, proc)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
	assertErrCode(t, rr, "invalid_input")
}

func TestHandleExtractRejectsNonPDFFilename(t *testing.T) {
	setupGlobals(t)
	proc := pipeline.New(cfg, &stubRasterizer{pages: 1}, &stubEngine{text: "x"}, nil, log)

	body, ct := multipartPDF(t, "image.png", stubPDF, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtract(rr, req, proc)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
}

func TestHandleExtractConversionFailure(t *testing.T) {
	setupGlobals(t)
	proc := pipeline.New(cfg, &stubRasterizer{err: errors.New("syntax error")}, &stubEngine{}, nil, log)

	body, ct := multipartPDF(t, "broken.pdf", stubPDF, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtract(rr, req, proc)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rr.Code)
	}
	assertErrCode(t, rr, "conversion_failed")
}

func TestHandleExtractInvalidDPI(t *testing.T) {
	setupGlobals(t)
	proc := pipeline.New(cfg, &stubRasterizer{pages: 1}, &stubEngine{text: "x"}, nil, log)

	body, ct := multipartPDF(t, "doc.pdf", stubPDF, map[string]string{"dpi": "9000"})
	req := httptest.NewRequest(http.MethodPost, "/extract", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtract(rr, req, proc)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
}

func TestHandleExtractStructuredCSV(t *testing.T) {
	setupGlobals(t)
	ext := &stubExtractor{records: []types.ExtractionRecord{{
		AppropriationCategory: "Operation and Maintenance, Army",
		ReprogrammingAmount:   "118600",
		Explanation:           "transport, sustainment",
	}}}
	proc := pipeline.New(cfg, &stubRasterizer{pages: 1}, &stubEngine{text: "Army +118,600"}, ext, log)

	body, ct := multipartPDF(t, "doc.pdf", stubPDF, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract/structured", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtractStructured(rr, req, proc)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "doc.csv") {
		t.Errorf("Content-Disposition = %q", got)
	}

	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(rows))
	}
	if rows[1][0] != "Operation and Maintenance, Army" {
		t.Errorf("appropriation_category = %q", rows[1][0])
	}
	if rows[1][12] != "118600" {
		t.Errorf("reprogramming_amount = %q, want 118600", rows[1][12])
	}
}

func TestHandleExtractStructuredExtractionFailure(t *testing.T) {
	setupGlobals(t)
	ext := &stubExtractor{err: errors.New("response is not a JSON array")}
	proc := pipeline.New(cfg, &stubRasterizer{pages: 1}, &stubEngine{text: "x"}, ext, log)

	body, ct := multipartPDF(t, "doc.pdf", stubPDF, nil)
	req := httptest.NewRequest(http.MethodPost, "/extract/structured", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtractStructured(rr, req, proc)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rr.Code)
	}
	assertErrCode(t, rr, "extraction_failed")
	// No partial CSV: the body is the JSON error, not a download.
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q, want JSON error body", ct)
	}
}

func TestHandleExtractStructuredBadFormat(t *testing.T) {
	setupGlobals(t)
	proc := pipeline.New(cfg, &stubRasterizer{pages: 1}, &stubEngine{text: "x"}, &stubExtractor{}, log)

	body, ct := multipartPDF(t, "doc.pdf", stubPDF, map[string]string{"format": "yaml"})
	req := httptest.NewRequest(http.MethodPost, "/extract/structured", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtractStructured(rr, req, proc)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
}

func TestHandleExtractStructuredXLSX(t *testing.T) {
	setupGlobals(t)
	ext := &stubExtractor{records: []types.ExtractionRecord{{
		AppropriationCategory: "Operation and Maintenance, Navy",
		ReprogrammingAmount:   "105252",
	}}}
	proc := pipeline.New(cfg, &stubRasterizer{pages: 1}, &stubEngine{text: "Navy +105,252"}, ext, log)

	body, ct := multipartPDF(t, "doc.pdf", stubPDF, map[string]string{"format": "xlsx"})
	req := httptest.NewRequest(http.MethodPost, "/extract/structured", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	handleExtractStructured(rr, req, proc)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	out, _ := io.ReadAll(rr.Body)
	if !bytes.HasPrefix(out, []byte("PK")) {
		t.Error("body is not an xlsx archive")
	}
}

func TestValidLang(t *testing.T) {
	valid := []string{"eng", "deu", "chi_sim", "eng+fra"}
	invalid := []string{"", "e", "EN G", "eng;rm -rf", strings.Repeat("e", 40)}
	for _, s := range valid {
		if !validLang(s) {
			t.Errorf("validLang(%q) = false", s)
		}
	}
	for _, s := range invalid {
		if validLang(s) {
			t.Errorf("validLang(%q) = true", s)
		}
	}
}

func assertErrCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, rr.Body.String())
	}
	if body.Success {
		t.Error("success = true in error response")
	}
	if body.Code != want {
		t.Errorf("code = %q, want %q", body.Code, want)
	}
}
