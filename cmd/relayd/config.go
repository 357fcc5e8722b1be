package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/relay/internal/dispatch"
	"github.com/rendis/relay/internal/scheduler"
)

// Config holds all relayd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	SinkEndpoint string `json:"sink_endpoint"`
	SinkToken    string `json:"sink_token"`
	GatewayURL   string `json:"gateway_url"`
	GatewayToken string `json:"gateway_token"`

	DefaultTopic string          `json:"default_topic"`
	Routes       []dispatch.Rule `json:"routes"`

	// PanelAddr enables the read-only ops API when set, e.g. ":8791".
	PanelAddr string `json:"panel_addr"`

	NotifyInterval  string `json:"notify_interval"`
	StarterInterval string `json:"starter_interval"`

	MaxStartAttempts int    `json:"max_start_attempts"`
	RetryDelay       string `json:"retry_delay"`
	RetryBackoff     string `json:"retry_backoff"`
	RetryMaxDelay    string `json:"retry_max_delay"`

	RetentionDays int                  `json:"retention_days"`
	Schedules     []scheduler.Schedule `json:"schedules"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(relayDir(), "relay.db"),
		LogLevel:         "info",
		DefaultTopic:     "process-events",
		NotifyInterval:   "5s",
		StarterInterval:  "10s",
		MaxStartAttempts: 2,
		RetryDelay:       "30s",
		RetryBackoff:     "exponential",
		RetryMaxDelay:    "10m",
		RetentionDays:    7,
	}
}

func relayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func settingsPath() string {
	return filepath.Join(relayDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_SINK_ENDPOINT"); v != "" {
		cfg.SinkEndpoint = v
	}
	if v := os.Getenv("RELAY_SINK_TOKEN"); v != "" {
		cfg.SinkToken = v
	}
	if v := os.Getenv("RELAY_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("RELAY_GATEWAY_TOKEN"); v != "" {
		cfg.GatewayToken = v
	}
	if v := os.Getenv("RELAY_DEFAULT_TOPIC"); v != "" {
		cfg.DefaultTopic = v
	}
	if v := os.Getenv("RELAY_PANEL_ADDR"); v != "" {
		cfg.PanelAddr = v
	}
	if v := os.Getenv("RELAY_NOTIFY_INTERVAL"); v != "" {
		cfg.NotifyInterval = v
	}
	if v := os.Getenv("RELAY_STARTER_INTERVAL"); v != "" {
		cfg.StarterInterval = v
	}
	if v := os.Getenv("RELAY_MAX_START_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStartAttempts = n
		}
	}
	if v := os.Getenv("RELAY_RETRY_DELAY"); v != "" {
		cfg.RetryDelay = v
	}
	if v := os.Getenv("RELAY_RETRY_MAX_DELAY"); v != "" {
		cfg.RetryMaxDelay = v
	}
	if v := os.Getenv("RELAY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}

	return cfg
}

// duration parses a config duration string, falling back when unset or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
