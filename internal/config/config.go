// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, the send-admission policy,
// session reconnect behavior, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk/go-relay-backend/internal/governor"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-relay-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GovernorConfig holds the send-admission policy knobs. Zero-valued fields
// are filled from governor.DefaultConfig at load time.
type GovernorConfig struct {
	Window            time.Duration // RATE_WINDOW
	WindowCap         int           // RATE_WINDOW_CAP
	MinTargetSpacing  time.Duration // RATE_MIN_SPACING
	BatchSize         int           // RATE_BATCH_SIZE
	BatchCooldown     time.Duration // RATE_BATCH_COOLDOWN
	WarmupDays        int           // RATE_WARMUP_DAYS
	DailyTiers        []governor.Tier
	MaxTrackedTargets int // RATE_MAX_TRACKED_TARGETS
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// HTTP edge rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Send admission policy
	Governor GovernorConfig

	// Session lifecycle
	ReconnectBackoff time.Duration // RECONNECT_BACKOFF

	// Dispatch
	PendingReconcileAfter time.Duration // PENDING_RECONCILE_AFTER
	ReconcileEvery        time.Duration // RECONCILE_EVERY
	DedupCacheSize        int           // DEDUP_CACHE_SIZE

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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
	gdef := governor.DefaultConfig()

	tiers, err := parseTiers(getenv("RATE_DAILY_TIERS", ""))
	if err != nil {
		return Config{}, err
	}
	if tiers == nil {
		tiers = gdef.DailyTiers
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "relay.db"),

		// HTTP edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Send admission policy
		Governor: GovernorConfig{
			Window:            getdur("RATE_WINDOW", gdef.Window),
			WindowCap:         getint("RATE_WINDOW_CAP", gdef.WindowCap),
			MinTargetSpacing:  getdur("RATE_MIN_SPACING", gdef.MinTargetSpacing),
			BatchSize:         getint("RATE_BATCH_SIZE", gdef.BatchSize),
			BatchCooldown:     getdur("RATE_BATCH_COOLDOWN", gdef.BatchCooldown),
			WarmupDays:        getint("RATE_WARMUP_DAYS", gdef.WarmupDays),
			DailyTiers:        tiers,
			MaxTrackedTargets: getint("RATE_MAX_TRACKED_TARGETS", gdef.MaxTrackedTargets),
		},

		// Session lifecycle
		ReconnectBackoff: getdur("RECONNECT_BACKOFF", 5*time.Second),

		// Dispatch
		PendingReconcileAfter: getdur("PENDING_RECONCILE_AFTER", 10*time.Minute),
		ReconcileEvery:        getdur("RECONCILE_EVERY", time.Minute),
		DedupCacheSize:        getint("DEDUP_CACHE_SIZE", 4096),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-relay-backend"),
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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Governor.Window <= 0 || cfg.Governor.WindowCap < 1 {
		return cfg, errors.New("RATE_WINDOW must be > 0 and RATE_WINDOW_CAP >= 1")
	}
	if cfg.Governor.MinTargetSpacing < 0 {
		return cfg, errors.New("RATE_MIN_SPACING must be >= 0")
	}
	if cfg.Governor.BatchSize < 1 || cfg.Governor.BatchCooldown <= 0 {
		return cfg, errors.New("RATE_BATCH_SIZE must be >= 1 and RATE_BATCH_COOLDOWN > 0")
	}
	if cfg.Governor.WarmupDays < 0 {
		return cfg, errors.New("RATE_WARMUP_DAYS must be >= 0")
	}
	if len(cfg.Governor.DailyTiers) == 0 || cfg.Governor.DailyTiers[0].MinAgeDays != 0 {
		return cfg, errors.New("RATE_DAILY_TIERS must include a tier for age 0")
	}
	if cfg.ReconnectBackoff <= 0 {
		return cfg, errors.New("RECONNECT_BACKOFF must be > 0")
	}
	if cfg.PendingReconcileAfter <= 0 || cfg.ReconcileEvery <= 0 {
		return cfg, errors.New("PENDING_RECONCILE_AFTER and RECONCILE_EVERY must be > 0")
	}
	if cfg.DedupCacheSize < 1 {
		return cfg, errors.New("DEDUP_CACHE_SIZE must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// parseTiers parses the daily new-contact cap table from its env form,
// "minAgeDays:cap" pairs separated by commas, e.g. "0:30,7:100,30:1000".
// An empty string yields nil and the caller applies the built-in table.
func parseTiers(s string) ([]governor.Tier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var tiers []governor.Tier
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("RATE_DAILY_TIERS: malformed tier %q", part)
		}
		age, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil || age < 0 {
			return nil, fmt.Errorf("RATE_DAILY_TIERS: bad age in %q", part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || limit < 1 {
			return nil, fmt.Errorf("RATE_DAILY_TIERS: bad cap in %q", part)
		}
		tiers = append(tiers, governor.Tier{MinAgeDays: age, Cap: limit})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinAgeDays < tiers[j].MinAgeDays })
	return tiers, nil
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
