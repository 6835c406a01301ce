// Package config resolves runtime settings from ADCONTROL_* environment
// variables, optionally seeded from a dotenv file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"adcontrol/internal/notify"
	"adcontrol/internal/persistence"
)

const (
	DefaultAPIBase     = "http://localhost:8000/api/v1"
	DefaultHTTPTimeout = 30 * time.Second
	DefaultDotEnv      = ".env"
)

// Metrics exporters.
const (
	MetricsNone       = "none"
	MetricsExpvar     = "expvar"
	MetricsPrometheus = "prometheus"
)

// Config is the resolved client configuration.
type Config struct {
	APIBase            string
	HTTPTimeout        time.Duration
	NoticeTTL          time.Duration
	PreviewConcurrency int
	CascadeCapacity    int
	LogLevel           slog.Level
	Metrics            string
	Session            persistence.Options
}

// FromEnv loads the dotenv file named by ADCONTROL_DOTENV (default .env) and
// then reads the environment. Variables already set are never overridden by
// the dotenv file.
func FromEnv() (Config, error) {
	path := os.Getenv("ADCONTROL_DOTENV")
	if path == "" {
		path = DefaultDotEnv
	}
	if err := LoadDotEnv(path); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return Parse(os.LookupEnv)
}

// Parse builds a Config from lookup. It is FromEnv without the dotenv step.
func Parse(lookup func(string) (string, bool)) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	cfg := Config{
		APIBase:     strings.TrimRight(get("ADCONTROL_API_BASE"), "/"),
		HTTPTimeout: DefaultHTTPTimeout,
		NoticeTTL:   notify.DefaultTTL,
		LogLevel:    slog.LevelInfo,
		Metrics:     MetricsExpvar,
		Session: persistence.Options{
			Driver:      persistence.Driver(get("ADCONTROL_SESSION_DRIVER")),
			FilePath:    get("ADCONTROL_SESSION_FILE"),
			SQLitePath:  get("ADCONTROL_SQLITE_PATH"),
			PostgresDSN: get("ADCONTROL_POSTGRES_DSN"),
		},
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	var err error
	if cfg.HTTPTimeout, err = duration(get("ADCONTROL_HTTP_TIMEOUT"), DefaultHTTPTimeout); err != nil {
		return Config{}, fmt.Errorf("ADCONTROL_HTTP_TIMEOUT: %w", err)
	}
	if cfg.NoticeTTL, err = duration(get("ADCONTROL_NOTICE_TTL"), notify.DefaultTTL); err != nil {
		return Config{}, fmt.Errorf("ADCONTROL_NOTICE_TTL: %w", err)
	}
	if cfg.PreviewConcurrency, err = positiveInt(get("ADCONTROL_PREVIEW_CONCURRENCY")); err != nil {
		return Config{}, fmt.Errorf("ADCONTROL_PREVIEW_CONCURRENCY: %w", err)
	}
	if cfg.CascadeCapacity, err = positiveInt(get("ADCONTROL_CASCADE_CAPACITY")); err != nil {
		return Config{}, fmt.Errorf("ADCONTROL_CASCADE_CAPACITY: %w", err)
	}
	if raw := get("ADCONTROL_LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("ADCONTROL_LOG_LEVEL: %w", err)
		}
	}
	switch m := strings.ToLower(get("ADCONTROL_METRICS")); m {
	case "":
	case MetricsNone, MetricsExpvar, MetricsPrometheus:
		cfg.Metrics = m
	default:
		return Config{}, fmt.Errorf("ADCONTROL_METRICS: unknown exporter %q", m)
	}
	return cfg, nil
}

// duration accepts Go durations ("3s") and bare milliseconds ("3200").
func duration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// positiveInt returns 0 for an empty value, meaning "use the component default".
func positiveInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}
