package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/budgetscan/pdf-ocr-service/internal/config"
	"github.com/budgetscan/pdf-ocr-service/internal/extract"
	"github.com/budgetscan/pdf-ocr-service/internal/ocr"
	"github.com/budgetscan/pdf-ocr-service/internal/pipeline"
	"github.com/budgetscan/pdf-ocr-service/internal/rasterize"
	"github.com/budgetscan/pdf-ocr-service/internal/serialize"
	"github.com/budgetscan/pdf-ocr-service/internal/types"
)

var (
	cfg config.Config
	log = logrus.New()

	requestSem *semaphore.Weighted
	ocrSem     *semaphore.Weighted

	// Per-IP rate limiters
	limiters = &sync.Map{}

	metrics = &serverMetrics{}
)

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

func main() {
	cfg = config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	ocrSem = semaphore.NewWeighted(cfg.MaxOCRConcurrent)

	var extractor pipeline.Extractor
	if strings.TrimSpace(cfg.InferenceAPIKey) != "" {
		ex, err := extract.New(cfg)
		if err != nil {
			log.Fatalf("inference client: %v", err)
		}
		extractor = ex
	} else {
		log.Warn("INFERENCE_API_KEY not set, /extract/structured will fail")
	}

	proc := pipeline.New(cfg,
		&rasterize.Poppler{Timeout: cfg.PdftoppmTimeout, Preprocess: true},
		ocr.Tesseract{},
		extractor,
		log,
	)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/metrics", withInternalAuth(handleMetrics))

	mux.HandleFunc("/extract",
		withInternalAuth(
			withRateLimit(
				withMethod("POST",
					withConcurrencyLimit(func(w http.ResponseWriter, r *http.Request) {
						handleExtract(w, r, proc)
					})))))

	mux.HandleFunc("/extract/structured",
		withInternalAuth(
			withRateLimit(
				withMethod("POST",
					withConcurrencyLimit(func(w http.ResponseWriter, r *http.Request) {
						handleExtractStructured(w, r, proc)
					})))))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           withRequestID(withLogging(withRecovery(mux))),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go cleanupRateLimiters()

	log.WithFields(logrus.Fields{
		"addr":          srv.Addr,
		"maxConcurrent": cfg.MaxConcurrentRequests,
		"maxOCR":        cfg.MaxOCRConcurrent,
	}).Info("pdf-ocr-service listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func cleanupRateLimiters() {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := metrics.get()
		log.WithFields(logrus.Fields{
			"active":     active,
			"total":      total,
			"goroutines": runtime.NumGoroutine(),
			"memMB":      m.Alloc / (1 << 20),
		}).Debug("stats")

		limiters = &sync.Map{}
	}
}

// ---------- Handlers ----------

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeErr(w, http.StatusNotFound, "not_found", "Unknown route")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "pdf-ocr-service",
		"message": "POST a scanned PDF to /extract for text or /extract/structured for CSV",
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"version": "1.0.0",
	})
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := metrics.get()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

func handleExtract(w http.ResponseWriter, r *http.Request, proc *pipeline.Pipeline) {
	pdfBytes, filename, opts, err := parseUpload(r)
	if err != nil {
		writePipelineErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.ExtractTimeout)
	defer cancel()

	if err := ocrSem.Acquire(ctx, 1); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "ocr_capacity", "OCR at capacity")
		return
	}
	defer ocrSem.Release(1)

	result, err := proc.ExtractText(ctx, pdfBytes, opts)
	if err != nil {
		writePipelineErr(w, err)
		return
	}

	sendAttachment(w, serialize.Filename(filename, ".txt"), "text/plain; charset=utf-8",
		func(out io.Writer) error { return serialize.Text(out, result.Text) })
}

func handleExtractStructured(w http.ResponseWriter, r *http.Request, proc *pipeline.Pipeline) {
	pdfBytes, filename, opts, err := parseUpload(r)
	if err != nil {
		writePipelineErr(w, err)
		return
	}

	format := strings.ToLower(strings.TrimSpace(r.FormValue("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		writeErr(w, http.StatusBadRequest, "invalid_input", "format must be csv or xlsx")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.StructuredTimeout)
	defer cancel()

	if err := ocrSem.Acquire(ctx, 1); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "ocr_capacity", "OCR at capacity")
		return
	}
	defer ocrSem.Release(1)

	records, _, err := proc.ExtractStructured(ctx, pdfBytes, opts)
	if err != nil {
		writePipelineErr(w, err)
		return
	}

	if format == "xlsx" {
		sendAttachment(w, serialize.Filename(filename, ".xlsx"),
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			func(out io.Writer) error { return serialize.XLSX(out, records) })
		return
	}
	sendAttachment(w, serialize.Filename(filename, ".csv"), "text/csv; charset=utf-8",
		func(out io.Writer) error { return serialize.CSV(out, records) })
}

// sendAttachment buffers the serialized payload first so a serializer
// failure still produces a proper error response instead of a torn download.
func sendAttachment(w http.ResponseWriter, filename, contentType string, write func(io.Writer) error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		writePipelineErr(w, pipeline.StageError(pipeline.StageSerialize, err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

// parseUpload reads the multipart "file" field plus the dpi/lang values.
// Validation failures come back as pipeline input errors so the error
// mapping stays in one place.
func parseUpload(r *http.Request) ([]byte, string, types.ExtractOptions, error) {
	var opts types.ExtractOptions

	r.Body = http.MaxBytesReader(nil, r.Body, cfg.MaxPDFBytes+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", opts, pipeline.StageError(pipeline.StageInput,
			fmt.Errorf("multipart field \"file\" required: %w", err))
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
		return nil, "", opts, pipeline.StageError(pipeline.StageInput,
			errors.New("only PDF files are supported"))
	}

	pdfBytes, err := io.ReadAll(io.LimitReader(file, cfg.MaxPDFBytes+1))
	if err != nil {
		return nil, "", opts, pipeline.StageError(pipeline.StageInput,
			fmt.Errorf("reading upload: %w", err))
	}
	if int64(len(pdfBytes)) > cfg.MaxPDFBytes {
		return nil, "", opts, pipeline.StageError(pipeline.StageInput,
			fmt.Errorf("PDF exceeds %dMB limit", cfg.MaxPDFBytes/(1<<20)))
	}

	if v := strings.TrimSpace(r.FormValue("dpi")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < cfg.MinDPI || n > cfg.MaxDPI {
			return nil, "", opts, pipeline.StageError(pipeline.StageInput,
				fmt.Errorf("dpi must be an integer in [%d, %d]", cfg.MinDPI, cfg.MaxDPI))
		}
		opts.DPI = n
	}

	if v := strings.TrimSpace(r.FormValue("lang")); v != "" {
		if !validLang(v) {
			return nil, "", opts, pipeline.StageError(pipeline.StageInput,
				errors.New("lang must be a tesseract language code, e.g. eng or eng+fra"))
		}
		opts.Language = v
	}

	return pdfBytes, header.Filename, opts, nil
}

// validLang accepts tesseract language codes, including combined ones
// ("eng+fra") and script variants ("chi_sim").
func validLang(s string) bool {
	if len(s) < 2 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' || r == '+':
		default:
			return false
		}
	}
	return true
}

// ---------- Middleware ----------

func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method must be "+method)
			return
		}
		next(w, r)
	}
}

// withInternalAuth enforces the shared secret only when one is configured;
// the service also runs as a directly exposed upload endpoint.
func withInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shared := cfg.InternalSharedSecret
		if shared == "" {
			next(w, r)
			return
		}
		got := r.Header.Get("X-Internal-Auth")
		if subtle.ConstantTimeCompare([]byte(got), []byte(shared)) != 1 {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "Invalid authentication")
			return
		}
		next(w, r)
	}
}

func withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := requestSem.Acquire(r.Context(), 1); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer requestSem.Release(1)

		metrics.incActive()
		defer metrics.decActive()

		next(w, r)
	}
}

func withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		limiter := getRateLimiter(ip)

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.WithField("panic", err).Error("recovered")
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		log.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      sanitizeLogString(r.URL.Path),
			"status":    ww.status,
			"duration":  time.Since(start).Round(time.Millisecond).String(),
			"requestId": ww.Header().Get("X-Request-ID"),
		}).Info("request")
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---------- Helpers ----------

func getRateLimiter(ip string) *rate.Limiter {
	if v, ok := limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}

	every := cfg.RateLimitEvery
	if every <= 0 {
		every = 600 * time.Millisecond // ~100/min
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	limiter := rate.NewLimiter(rate.Every(every), burst)
	limiters.Store(ip, limiter)
	return limiter
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

// writePipelineErr maps pipeline stage errors onto the two response classes:
// input problems are the caller's fault, everything else is a processing
// failure.
func writePipelineErr(w http.ResponseWriter, err error) {
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		status := http.StatusInternalServerError
		if perr.ClientError() {
			status = http.StatusBadRequest
		}
		writeErr(w, status, string(perr.Stage), sanitizeError(perr.Err))
		return
	}
	writeErr(w, http.StatusInternalServerError, "internal_error", sanitizeError(err))
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
