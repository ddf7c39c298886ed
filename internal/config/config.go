// Package config loads configuration from environment variables and
// manages the mutable runtime settings file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Library roots
	ModelRoot  string
	SlicedRoot string

	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Mutable runtime settings and print history
	SettingsPath  string
	HistoryDBPath string

	// Uploads
	MaxUploadSize     int64
	MaxArchiveSize    int64
	MaxArchiveEntries int

	// Indexing
	AutoReindex   bool
	WatchEnabled  bool
	WatchDebounce time.Duration

	// Printer history polling (0 disables the ticker even when the
	// printer integration is enabled in settings)
	HistoryRefreshInterval time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ModelRoot:     envOr("PRINTVAULT_MODEL_ROOT", ""),
		SlicedRoot:    envOr("PRINTVAULT_GCODE_ROOT", ""),
		ListenAddr:    envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:   envOr("METRICS_ADDR", ":9090"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		SettingsPath:  envOr("SETTINGS_PATH", "/data/settings.yaml"),
		HistoryDBPath: envOr("HISTORY_DB_PATH", "/data/history.db"),

		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 500*1024*1024),  // 500MB default
		MaxArchiveSize:    envInt64("MAX_ARCHIVE_SIZE", 2*1024*1024*1024), // uncompressed
		MaxArchiveEntries: envInt("MAX_ARCHIVE_ENTRIES", 10000),

		AutoReindex:   envBool("PRINTVAULT_AUTO_REINDEX", true),
		WatchEnabled:  envBool("PRINTVAULT_WATCH", true),
		WatchDebounce: time.Duration(envInt("PRINTVAULT_WATCH_DEBOUNCE_MS", 2000)) * time.Millisecond,

		HistoryRefreshInterval: time.Duration(envInt("HISTORY_REFRESH_MINUTES", 15)) * time.Minute,
	}

	if cfg.ModelRoot == "" {
		return nil, fmt.Errorf("PRINTVAULT_MODEL_ROOT is required")
	}
	if _, err := os.Stat(cfg.ModelRoot); err != nil {
		return nil, fmt.Errorf("PRINTVAULT_MODEL_ROOT: %w", err)
	}
	if cfg.SlicedRoot != "" {
		if _, err := os.Stat(cfg.SlicedRoot); err != nil {
			return nil, fmt.Errorf("PRINTVAULT_GCODE_ROOT: %w", err)
		}
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
