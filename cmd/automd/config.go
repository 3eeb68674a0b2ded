package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all automd daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	StoreDriver         string `json:"store_driver"` // memory | libsql | postgres
	DBPath              string `json:"db_path"`      // libsql file path
	DatabaseURL         string `json:"database_url"` // postgres DSN
	LogLevel            string `json:"log_level"`
	LogFormat           string `json:"log_format"` // text | json
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	BatchSize           int    `json:"batch_size"`
	NormalWorkers       int    `json:"normal_workers"`
	JobTimeoutSeconds   int    `json:"job_timeout_seconds"`
}

func defaultConfig() Config {
	return Config{
		StoreDriver: "libsql",
		DBPath:      filepath.Join(automdDir(), "automd.db"),
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

func automdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".automd"
	}
	return filepath.Join(home, ".automd")
}

func settingsPath() string {
	return filepath.Join(automdDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AUTOMD_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("AUTOMD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AUTOMD_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AUTOMD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTOMD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("AUTOMD_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("AUTOMD_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("AUTOMD_NORMAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NormalWorkers = n
		}
	}
	if v := os.Getenv("AUTOMD_JOB_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobTimeoutSeconds = n
		}
	}

	return cfg
}
