// Package config provides the relay configuration loaded from environment
// variables with defaults and validation. It covers the gateway server, the
// backend connection, delivery tuning, the attempt ledger and observability.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-chat-relay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BackendConfig describes the chat backend the relay delivers to.
type BackendConfig struct {
	BaseURL string        // BACKEND_BASE_URL
	Prefix  string        // BACKEND_PREFIX, route prefix of the chat API
	Token   string        // BACKEND_TOKEN, optional bearer token
	Timeout time.Duration // BACKEND_TIMEOUT, per-request deadline for non-streaming calls
	RPS     float64       // BACKEND_RPS, outbound pacing; 0 disables
	Burst   int           // BACKEND_BURST
}

// DeliveryConfig tunes the delivery orchestrator and history paging.
type DeliveryConfig struct {
	DefaultMode       string        // sync|stream; async only serves as fallback
	FirstChunkTimeout time.Duration // STREAM_FIRST_CHUNK_TIMEOUT
	PollInterval      time.Duration // ASYNC_POLL_INTERVAL
	PageSize          int           // HISTORY_PAGE_SIZE
	// FallbackOnEarlyFailure falls back to async when a stream fails before
	// its first chunk; when false only the first-chunk timeout falls back.
	FallbackOnEarlyFailure bool
	MaxContentRunes        int
}

// Config holds all configuration values for the relay.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Upstream and delivery
	Backend  BackendConfig
	Delivery DeliveryConfig

	// Attempt ledger
	LedgerDBPath string // SQLite path; empty or "memory" keeps it in memory

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a delivered Idempotency-Key is replayed

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Upstream
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(getenv("BACKEND_BASE_URL", "http://localhost:8080/api/v1"), "/"),
			Prefix:  getenv("BACKEND_PREFIX", "/chat"),
			Token:   getenv("BACKEND_TOKEN", ""),
			Timeout: getdur("BACKEND_TIMEOUT", 30*time.Second),
			RPS:     getfloat("BACKEND_RPS", 0),
			Burst:   getint("BACKEND_BURST", 5),
		},

		// Delivery
		Delivery: DeliveryConfig{
			DefaultMode:            strings.ToLower(getenv("DEFAULT_MODE", "stream")),
			FirstChunkTimeout:      getdur("STREAM_FIRST_CHUNK_TIMEOUT", 8*time.Second),
			PollInterval:           getdur("ASYNC_POLL_INTERVAL", time.Second),
			PageSize:               getint("HISTORY_PAGE_SIZE", 20),
			FallbackOnEarlyFailure: getbool("FALLBACK_ON_EARLY_STREAM_FAILURE", true),
			MaxContentRunes:        getint("MAX_CONTENT_RUNES", 4000),
		},

		// Ledger
		LedgerDBPath: getenv("LEDGER_DB_PATH", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Delivery.DefaultMode == "full" {
		cfg.Delivery.DefaultMode = "sync"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, errors.New("BACKEND_BASE_URL must be an absolute http(s) URL")
	}
	if cfg.Backend.Timeout <= 0 {
		return cfg, errors.New("BACKEND_TIMEOUT must be > 0")
	}
	if cfg.Backend.RPS < 0 {
		return cfg, errors.New("BACKEND_RPS must be >= 0")
	}
	if cfg.Backend.Burst < 1 {
		return cfg, errors.New("BACKEND_BURST must be >= 1")
	}
	switch cfg.Delivery.DefaultMode {
	case "sync", "stream":
	default:
		return cfg, errors.New("DEFAULT_MODE must be one of: sync, stream")
	}
	if cfg.Delivery.FirstChunkTimeout <= 0 || cfg.Delivery.PollInterval <= 0 {
		return cfg, errors.New("STREAM_FIRST_CHUNK_TIMEOUT and ASYNC_POLL_INTERVAL must be positive durations")
	}
	if cfg.Delivery.PageSize < 1 || cfg.Delivery.PageSize > 100 {
		return cfg, errors.New("HISTORY_PAGE_SIZE must be between 1 and 100")
	}
	if cfg.Delivery.MaxContentRunes < 1 {
		return cfg, errors.New("MAX_CONTENT_RUNES must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
