/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config covers process level configuration read from environment variables,
// optionally seeded from a YAML file (WREN_CONFIG_FILE). Environment wins.
type Config struct {
	Environment string `yaml:"environment"`
	DataDir     string `yaml:"data_dir"` // root for the local content cache and database
	DBPath      string `yaml:"db_path"`  // sqlite database path, defaults under DataDir

	// Local control API consumed by the presentation layer.
	HTTPBind    string `yaml:"http_bind"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsBind string `yaml:"metrics_bind"`

	// Remote media server (Jellyfin-compatible). Empty ServerURL means the
	// engine boots in offline-only mode and sync stays disabled.
	ServerURL      string        `yaml:"server_url"`
	ServerUsername string        `yaml:"server_username"`
	ServerPassword string        `yaml:"server_password"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Storage governor.
	StorageLimitMB int `yaml:"storage_limit_mb"`
	StorageFloorMB int `yaml:"storage_floor_mb"`

	// Download orchestrator.
	DownloadWindowMinMinutes int `yaml:"download_window_min_minutes"`
	DownloadWindowMaxMinutes int `yaml:"download_window_max_minutes"`
	DownloadMaxRetries       int `yaml:"download_max_retries"`
	BatteryMinPercent        int `yaml:"battery_min_percent"`

	// Catalog synchronizer.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// Parental gate session tokens. Generated per boot when empty.
	GateSigningKey string `yaml:"gate_signing_key"`
}

// Load reads the optional config file and environment variables, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("WREN_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.Environment = getEnv("WREN_ENV", defaultStr(cfg.Environment, "development"))
	cfg.DataDir = getEnv("WREN_DATA_DIR", defaultStr(cfg.DataDir, "./wren-data"))
	cfg.DBPath = getEnv("WREN_DB_PATH", cfg.DBPath)
	cfg.HTTPBind = getEnv("WREN_HTTP_BIND", defaultStr(cfg.HTTPBind, "127.0.0.1"))
	cfg.HTTPPort = getEnvInt("WREN_HTTP_PORT", defaultInt(cfg.HTTPPort, 8090))
	cfg.MetricsBind = getEnv("WREN_METRICS_BIND", defaultStr(cfg.MetricsBind, "127.0.0.1:9100"))

	cfg.ServerURL = getEnv("WREN_SERVER_URL", cfg.ServerURL)
	cfg.ServerUsername = getEnv("WREN_SERVER_USERNAME", cfg.ServerUsername)
	cfg.ServerPassword = getEnv("WREN_SERVER_PASSWORD", cfg.ServerPassword)
	cfg.RequestTimeout = time.Duration(getEnvInt("WREN_REQUEST_TIMEOUT_SECONDS", defaultInt(int(cfg.RequestTimeout/time.Second), 15))) * time.Second

	cfg.StorageLimitMB = getEnvInt("WREN_STORAGE_LIMIT_MB", defaultInt(cfg.StorageLimitMB, 8192))
	cfg.StorageFloorMB = getEnvInt("WREN_STORAGE_FLOOR_MB", defaultInt(cfg.StorageFloorMB, 1024))

	cfg.DownloadWindowMinMinutes = getEnvInt("WREN_DOWNLOAD_WINDOW_MIN_MINUTES", defaultInt(cfg.DownloadWindowMinMinutes, 60))
	cfg.DownloadWindowMaxMinutes = getEnvInt("WREN_DOWNLOAD_WINDOW_MAX_MINUTES", defaultInt(cfg.DownloadWindowMaxMinutes, 120))
	cfg.DownloadMaxRetries = getEnvInt("WREN_DOWNLOAD_MAX_RETRIES", defaultInt(cfg.DownloadMaxRetries, 6))
	cfg.BatteryMinPercent = getEnvInt("WREN_BATTERY_MIN_PERCENT", defaultInt(cfg.BatteryMinPercent, 20))

	cfg.SyncInterval = time.Duration(getEnvInt("WREN_SYNC_INTERVAL_HOURS", defaultInt(int(cfg.SyncInterval/time.Hour), 24))) * time.Hour

	cfg.GateSigningKey = getEnv("WREN_GATE_SIGNING_KEY", cfg.GateSigningKey)

	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/wren.db"
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("WREN_DATA_DIR must not be empty")
	}
	if cfg.StorageFloorMB >= cfg.StorageLimitMB {
		return nil, fmt.Errorf("storage floor (%dMB) must be below the storage limit (%dMB)", cfg.StorageFloorMB, cfg.StorageLimitMB)
	}
	if cfg.DownloadWindowMinMinutes > cfg.DownloadWindowMaxMinutes {
		return nil, fmt.Errorf("download window min (%dm) exceeds max (%dm)", cfg.DownloadWindowMinMinutes, cfg.DownloadWindowMaxMinutes)
	}
	if cfg.ServerURL != "" && !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("WREN_SERVER_URL must be an http(s) URL, got %q", cfg.ServerURL)
	}

	return cfg, nil
}

// StorageLimitBytes returns the configured storage ceiling in bytes.
func (c *Config) StorageLimitBytes() int64 {
	return int64(c.StorageLimitMB) * 1024 * 1024
}

// StorageFloorBytes returns the reserved floor buffer in bytes.
func (c *Config) StorageFloorBytes() int64 {
	return int64(c.StorageFloorMB) * 1024 * 1024
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func defaultStr(current, def string) string {
	if current != "" {
		return current
	}
	return def
}

func defaultInt(current, def int) int {
	if current != 0 {
		return current
	}
	return def
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
