package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "cauldron.db"
	defaultMaxConcurrency = 16
	defaultRunTimeout     = 120 * time.Second

	envListenAddr     = "CAULDRON_LISTEN_ADDR"
	envDBPath         = "CAULDRON_DB_PATH"
	envLogLevel       = "CAULDRON_LOG_LEVEL"
	envMaxConcurrency = "CAULDRON_MAX_CONCURRENCY"
	envRunTimeout     = "CAULDRON_RUN_TIMEOUT"
	envBackendsFile   = "CAULDRON_BACKENDS_FILE"
	envOTLPEndpoint   = "CAULDRON_OTLP_ENDPOINT"
	envOTLPInsecure   = "CAULDRON_OTLP_INSECURE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// MaxConcurrency caps in-flight runs per parallel experiment; 0 disables the cap.
	MaxConcurrency int
	// RunTimeout bounds each backend call; 0 disables it.
	RunTimeout time.Duration

	// BackendsFile is a YAML file of backend specs. When empty, backends are
	// derived from provider environment variables.
	BackendsFile string

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		MaxConcurrency: defaultMaxConcurrency,
		RunTimeout:     defaultRunTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv(envRunTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.RunTimeout = d
		}
	}
	cfg.BackendsFile = os.Getenv(envBackendsFile)
	cfg.OTLPEndpoint = os.Getenv(envOTLPEndpoint)
	if v := os.Getenv(envOTLPInsecure); v != "" {
		cfg.OTLPInsecure, _ = strconv.ParseBool(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
