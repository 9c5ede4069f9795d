package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all journeyd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	DeliveryURL       string `json:"delivery_url"`   // channel delivery service; empty = log only
	ProfileURL        string `json:"profile_url"`    // profile service; empty = log only
	ClassifierURL     string `json:"classifier_url"` // AI classifier; empty = ai conditions fail
	VaultPassphrase   string `json:"vault_passphrase"` // empty = secret references unavailable
	VaultSalt         string `json:"vault_salt"`
	SchedulerInterval string `json:"scheduler_interval"`
	RetryMaxAttempts  int    `json:"retry_max_attempts"`
	RetryBaseDelay    string `json:"retry_base_delay"`
	StepLimit         int    `json:"step_limit"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(journeyDir(), "journey.db"),
		LogLevel:          "info",
		SchedulerInterval: "60s",
		RetryMaxAttempts:  3,
		RetryBaseDelay:    "2s",
	}
}

func journeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".journey"
	}
	return filepath.Join(home, ".journey")
}

func settingsPath() string {
	return filepath.Join(journeyDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("JOURNEY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("JOURNEY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("JOURNEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JOURNEY_DELIVERY_URL"); v != "" {
		cfg.DeliveryURL = v
	}
	if v := os.Getenv("JOURNEY_PROFILE_URL"); v != "" {
		cfg.ProfileURL = v
	}
	if v := os.Getenv("JOURNEY_CLASSIFIER_URL"); v != "" {
		cfg.ClassifierURL = v
	}
	if v := os.Getenv("JOURNEY_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("JOURNEY_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("JOURNEY_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := os.Getenv("JOURNEY_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryMaxAttempts = n
		}
	}
	if v := os.Getenv("JOURNEY_RETRY_BASE_DELAY"); v != "" {
		cfg.RetryBaseDelay = v
	}
	if v := os.Getenv("JOURNEY_STEP_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StepLimit = n
		}
	}

	return cfg
}

func (c Config) schedulerInterval() time.Duration {
	d, err := time.ParseDuration(c.SchedulerInterval)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

func (c Config) retryBaseDelay() time.Duration {
	d, err := time.ParseDuration(c.RetryBaseDelay)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
