package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port     string
	LogLevel string

	// Secrets. InternalSharedSecret is optional: when set, every endpoint
	// except /health requires the X-Internal-Auth header.
	InternalSharedSecret string

	// Inference endpoint (structured extraction). Loaded once at start,
	// never embedded in source.
	InferenceAPIKey    string
	InferenceBaseURL   string
	InferenceModel     string
	InferenceMaxTokens int

	// Limits
	MaxPDFBytes int64
	MaxPages    int

	// Concurrency
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Request timeouts
	ExtractTimeout    time.Duration
	StructuredTimeout time.Duration

	// External call timeouts
	PdftoppmTimeout  time.Duration
	InferenceTimeout time.Duration

	// Rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// Housekeeping
	CleanupInterval time.Duration

	// Health
	HealthDegradeRatio float64

	// HTTP
	MaxHeaderBytes int

	// OCR defaults
	DefaultDPI      int
	MinDPI          int
	MaxDPI          int
	DefaultLanguage string
}

func Load() Config {
	return Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "info"),

		InternalSharedSecret: envStr("INTERNAL_SHARED_SECRET", ""),

		InferenceAPIKey:    envStr("INFERENCE_API_KEY", ""),
		InferenceBaseURL:   envStr("INFERENCE_BASE_URL", ""),
		InferenceModel:     envStr("INFERENCE_MODEL", "gpt-4o-mini"),
		InferenceMaxTokens: envInt("INFERENCE_MAX_TOKENS", 8192),

		MaxPDFBytes: int64(envInt("MAX_PDF_BYTES", 100<<20)),
		MaxPages:    envInt("MAX_PAGES", 200),

		MaxConcurrentRequests: int64(envInt("MAX_CONCURRENT_REQUESTS", 10)),
		MaxOCRConcurrent:      int64(envInt("MAX_OCR_CONCURRENT", 3)),

		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 300*time.Second),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),

		ExtractTimeout:    envDur("EXTRACT_TIMEOUT", 240*time.Second),
		StructuredTimeout: envDur("STRUCTURED_TIMEOUT", 300*time.Second),

		PdftoppmTimeout:  envDur("PDFTOPPM_TIMEOUT", 120*time.Second),
		InferenceTimeout: envDur("INFERENCE_TIMEOUT", 120*time.Second),

		RateLimitEvery: envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),

		CleanupInterval: envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat("HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: envInt("MAX_HEADER_BYTES", 1<<20),

		DefaultDPI:      envInt("DEFAULT_DPI", 300),
		MinDPI:          envInt("MIN_DPI", 72),
		MaxDPI:          envInt("MAX_DPI", 600),
		DefaultLanguage: envStr("DEFAULT_OCR_LANG", "eng"),
	}
}

func (c Config) Validate() error {
	if s := strings.TrimSpace(c.InternalSharedSecret); s != "" && len(s) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters when set")
	}
	if c.MinDPI > c.MaxDPI {
		return fmt.Errorf("MIN_DPI (%d) exceeds MAX_DPI (%d)", c.MinDPI, c.MaxDPI)
	}
	if c.DefaultDPI < c.MinDPI || c.DefaultDPI > c.MaxDPI {
		return fmt.Errorf("DEFAULT_DPI (%d) outside [%d, %d]", c.DefaultDPI, c.MinDPI, c.MaxDPI)
	}
	return nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
