// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the durable store, the Redis cache, batching and dispatch tuning,
// the responder and channel clients, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the ops API.
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig locates the cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BatchConfig tunes the batching engine.
type BatchConfig struct {
	Window       time.Duration // BATCH_WINDOW
	HistoryCap   int           // HISTORY_CAP
	HydrateLimit int           // HYDRATE_LIMIT, 0 means HistoryCap
	StateTTL     time.Duration // STATE_TTL
	LockTTL      time.Duration // LOCK_TTL
}

// DispatchConfig tunes the scan loop.
type DispatchConfig struct {
	ScanInterval time.Duration
	TaskTimeout  time.Duration
	MaxInFlight  int
}

// ResponderConfig configures the reply generator and its defaults.
type ResponderConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	Model        string
	Temperature  float64
	TopP         float64
	SystemPrompt string
}

// ChannelConfig configures the outbound messaging client.
type ChannelConfig struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64 // per account
	Burst   int
}

// InboundConfig configures the inbound event endpoint.
type InboundConfig struct {
	RPS       float64
	Burst     int
	DedupeTTL time.Duration
	// Token, when set, must be presented as a bearer token.
	Token string
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

	// Store
	DBPath string // SQLite path

	Redis     RedisConfig
	Batch     BatchConfig
	Dispatch  DispatchConfig
	Responder ResponderConfig
	Channel   ChannelConfig
	Inbound   InboundConfig

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

		DBPath: getenv("DB_PATH", "batcher.db"),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},
		Batch: BatchConfig{
			Window:       getdur("BATCH_WINDOW", 15*time.Second),
			HistoryCap:   getint("HISTORY_CAP", 200),
			HydrateLimit: getint("HYDRATE_LIMIT", 0),
			StateTTL:     getdur("STATE_TTL", time.Hour),
			LockTTL:      getdur("LOCK_TTL", 20*time.Second),
		},
		Dispatch: DispatchConfig{
			ScanInterval: getdur("SCAN_INTERVAL", 500*time.Millisecond),
			TaskTimeout:  getdur("TASK_TIMEOUT", 30*time.Second),
			MaxInFlight:  getint("MAX_IN_FLIGHT", 32),
		},
		Responder: ResponderConfig{
			BaseURL:      getenv("RESPONDER_BASE_URL", "https://api.openai.com/v1"),
			APIKey:       getenv("RESPONDER_API_KEY", ""),
			Timeout:      getdur("RESPONDER_TIMEOUT", 25*time.Second),
			Model:        getenv("RESPONDER_MODEL", "gpt-4o-mini"),
			Temperature:  getfloat("RESPONDER_TEMPERATURE", 0.7),
			TopP:         getfloat("RESPONDER_TOP_P", 1.0),
			SystemPrompt: getenv("RESPONDER_SYSTEM_PROMPT", ""),
		},
		Channel: ChannelConfig{
			BaseURL: getenv("CHANNEL_BASE_URL", "https://graph.facebook.com/v20.0"),
			Timeout: getdur("CHANNEL_TIMEOUT", 10*time.Second),
			RPS:     getfloat("CHANNEL_RPS", 20),
			Burst:   getint("CHANNEL_BURST", 40),
		},
		Inbound: InboundConfig{
			RPS:       getfloat("INBOUND_RPS", 50),
			Burst:     getint("INBOUND_BURST", 100),
			DedupeTTL: getdur("INBOUND_DEDUPE_TTL", 24*time.Hour),
			Token:     getenv("INBOUND_TOKEN", ""),
		},

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
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-batcher"),
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
	cfg.Responder.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Responder.BaseURL), "/")
	cfg.Channel.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Channel.BaseURL), "/")
	if cfg.Batch.HydrateLimit <= 0 || cfg.Batch.HydrateLimit > cfg.Batch.HistoryCap {
		cfg.Batch.HydrateLimit = cfg.Batch.HistoryCap
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.Redis.DB < 0 {
		return errors.New("REDIS_DB must be >= 0")
	}

	b := cfg.Batch
	if b.Window <= 0 {
		return errors.New("BATCH_WINDOW must be > 0")
	}
	if b.HistoryCap < 1 {
		return errors.New("HISTORY_CAP must be >= 1")
	}
	if b.LockTTL <= 0 {
		return errors.New("LOCK_TTL must be > 0")
	}
	// Cached state must survive at least one full window.
	if b.StateTTL <= b.Window {
		return errors.New("STATE_TTL must be greater than BATCH_WINDOW")
	}

	d := cfg.Dispatch
	if d.ScanInterval <= 0 || d.TaskTimeout <= 0 {
		return errors.New("SCAN_INTERVAL and TASK_TIMEOUT must be > 0")
	}
	if d.MaxInFlight < 1 {
		return errors.New("MAX_IN_FLIGHT must be >= 1")
	}

	r := cfg.Responder
	if r.BaseURL == "" {
		return errors.New("RESPONDER_BASE_URL must not be empty")
	}
	if r.Timeout <= 0 {
		return errors.New("RESPONDER_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("RESPONDER_MODEL must not be empty")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return errors.New("RESPONDER_TEMPERATURE must be in [0,2]")
	}
	if r.TopP <= 0 || r.TopP > 1 {
		return errors.New("RESPONDER_TOP_P must be in (0,1]")
	}

	if cfg.Channel.BaseURL == "" {
		return errors.New("CHANNEL_BASE_URL must not be empty")
	}
	if cfg.Channel.Timeout <= 0 {
		return errors.New("CHANNEL_TIMEOUT must be > 0")
	}
	if cfg.Channel.RPS < 0 || cfg.Channel.Burst < 1 {
		return errors.New("CHANNEL_RPS must be >= 0 and CHANNEL_BURST >= 1")
	}

	if cfg.Inbound.RPS < 0 {
		return errors.New("INBOUND_RPS must be >= 0")
	}
	if cfg.Inbound.Burst < 1 {
		return errors.New("INBOUND_BURST must be >= 1")
	}
	if cfg.Inbound.DedupeTTL <= 0 {
		return errors.New("INBOUND_DEDUPE_TTL must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers ----

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
