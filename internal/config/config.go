/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string
	DBBackend   DatabaseBackend
	DBDSN       string
	DataRoot    string // Root for per-day data/merge directories
	SlotSeed    string // YAML file used to seed slots on first run

	// Guarantee loop
	GuaranteeThreshold      int           // Minimum completed files per day
	GuaranteeCutoff         string        // "HH:MM", stop supplemental runs after this
	PollInterval            time.Duration // Guarantee monitor poll interval
	WindowStartHour         int           // Active window (business hours), inclusive
	WindowEndHour           int           // Active window end hour, inclusive
	AllowPartialAggregation bool          // Aggregate at cutoff even below threshold

	// Execution
	RetryCeiling   int           // Max attempts for transient failures
	BackoffBase    time.Duration // Exponential backoff base
	AttemptTimeout time.Duration // Hard timeout per collector/aggregator call
	ShutdownGrace  time.Duration // Grace period for in-flight runs on stop

	// Upstream portal
	PortalURL      string
	PortalUsername string
	PortalPassword string
	BrowserBin     string // Optional chromium binary override for the collector

	// SMTP notifications
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("MUNIN_ENV", "development"),
		HTTPBind:    getEnv("MUNIN_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("MUNIN_HTTP_PORT", 8080),
		MetricsBind: getEnv("MUNIN_METRICS_BIND", "127.0.0.1:9000"),
		DBBackend:   DatabaseBackend(getEnv("MUNIN_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("MUNIN_DB_DSN", ""),
		DataRoot:    getEnv("MUNIN_DATA_ROOT", "./data"),
		SlotSeed:    getEnv("MUNIN_SLOT_SEED", "configs/slots.yaml"),

		GuaranteeThreshold:      getEnvInt("MUNIN_GUARANTEE_THRESHOLD", 8),
		GuaranteeCutoff:         getEnv("MUNIN_GUARANTEE_CUTOFF", "17:00"),
		PollInterval:            getEnvDuration("MUNIN_POLL_INTERVAL", 5*time.Minute),
		WindowStartHour:         getEnvInt("MUNIN_WINDOW_START_HOUR", 9),
		WindowEndHour:           getEnvInt("MUNIN_WINDOW_END_HOUR", 17),
		AllowPartialAggregation: getEnvBool("MUNIN_ALLOW_PARTIAL_AGGREGATION", false),

		RetryCeiling:   getEnvInt("MUNIN_RETRY_CEILING", 3),
		BackoffBase:    getEnvDuration("MUNIN_BACKOFF_BASE", 30*time.Second),
		AttemptTimeout: getEnvDuration("MUNIN_ATTEMPT_TIMEOUT", 5*time.Minute),
		ShutdownGrace:  getEnvDuration("MUNIN_SHUTDOWN_GRACE", 30*time.Second),

		PortalURL:      getEnv("MUNIN_PORTAL_URL", ""),
		PortalUsername: getEnv("MUNIN_PORTAL_USERNAME", ""),
		PortalPassword: getEnv("MUNIN_PORTAL_PASSWORD", ""),
		BrowserBin:     getEnv("MUNIN_BROWSER_BIN", ""),

		SMTPHost:     getEnv("MUNIN_SMTP_HOST", ""),
		SMTPPort:     getEnvInt("MUNIN_SMTP_PORT", 587),
		SMTPUsername: getEnv("MUNIN_SMTP_USERNAME", ""),
		SMTPPassword: getEnv("MUNIN_SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("MUNIN_SMTP_FROM", "noreply@example.com"),
		SMTPTo:       splitList(getEnv("MUNIN_SMTP_TO", "")),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("MUNIN_DB_DSN must be provided")
	}
	if cfg.GuaranteeThreshold < 1 {
		return nil, fmt.Errorf("MUNIN_GUARANTEE_THRESHOLD must be >= 1, got %d", cfg.GuaranteeThreshold)
	}
	if _, _, err := ParseTimeOfDay(cfg.GuaranteeCutoff); err != nil {
		return nil, fmt.Errorf("MUNIN_GUARANTEE_CUTOFF: %w", err)
	}
	if cfg.WindowStartHour < 0 || cfg.WindowEndHour > 23 || cfg.WindowStartHour > cfg.WindowEndHour {
		return nil, fmt.Errorf("invalid active window %d..%d", cfg.WindowStartHour, cfg.WindowEndHour)
	}
	cutoffHour, _, _ := ParseTimeOfDay(cfg.GuaranteeCutoff)
	if cutoffHour < cfg.WindowStartHour || cutoffHour > cfg.WindowEndHour {
		return nil, fmt.Errorf("guarantee cutoff %s falls outside active window %d..%d",
			cfg.GuaranteeCutoff, cfg.WindowStartHour, cfg.WindowEndHour)
	}
	if cfg.RetryCeiling < 1 {
		return nil, fmt.Errorf("MUNIN_RETRY_CEILING must be >= 1, got %d", cfg.RetryCeiling)
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.PortalURL == "" || cfg.PortalUsername == "" || cfg.PortalPassword == "" {
			return nil, fmt.Errorf("MUNIN_PORTAL_URL, MUNIN_PORTAL_USERNAME and MUNIN_PORTAL_PASSWORD are required in production")
		}
	}

	return cfg, nil
}

// ParseTimeOfDay parses a strict "HH:MM" 24-hour time-of-day string.
func ParseTimeOfDay(v string) (hour, minute int, err error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("time of day %q is not in HH:MM form", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time of day %q has invalid hour", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q has invalid minute", v)
	}
	return hour, minute, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
