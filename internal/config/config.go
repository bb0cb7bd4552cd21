// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Sync interval bounds. The periodic loop stays inside this window so
// clients neither hammer the server nor drift stale.
const (
	MinSyncInterval = 30 * time.Second
	MaxSyncInterval = 60 * time.Second
)

// Config holds all sync core configuration.
type Config struct {
	// Local HTTP surface for the desktop shell
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	LogPath   string

	// Local storage
	DataDir  string
	AudioDir string

	// Remote API
	APIBaseURL    string
	HTTPTimeout   time.Duration
	UploadTimeout time.Duration

	// Sync
	SyncInterval   time.Duration
	QueueBatchSize int
	PullPageSize   int
	DetailWindow   int

	// Secret for encrypting the session token at rest
	Secret string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	dataDir := envOr("ECHONOTE_DATA_DIR", defaultDataDir())

	cfg := &Config{
		ListenAddr:     envOr("ECHONOTE_LISTEN_ADDR", "127.0.0.1:8787"),
		MetricsAddr:    envOr("ECHONOTE_METRICS_ADDR", "127.0.0.1:8788"),
		LogLevel:       envOr("ECHONOTE_LOG_LEVEL", "info"),
		LogFormat:      envOr("ECHONOTE_LOG_FORMAT", "json"),
		LogPath:        envOr("ECHONOTE_LOG_PATH", ""),
		DataDir:        dataDir,
		AudioDir:       envOr("ECHONOTE_AUDIO_DIR", filepath.Join(dataDir, "audio")),
		APIBaseURL:     envOr("ECHONOTE_API_URL", "https://api.echonote.app"),
		HTTPTimeout:    envDuration("ECHONOTE_HTTP_TIMEOUT", 30*time.Second),
		UploadTimeout:  envDuration("ECHONOTE_UPLOAD_TIMEOUT", 5*time.Minute),
		SyncInterval:   envDuration("ECHONOTE_SYNC_INTERVAL", 45*time.Second),
		QueueBatchSize: envInt("ECHONOTE_QUEUE_BATCH", 20),
		PullPageSize:   envInt("ECHONOTE_PULL_PAGE_SIZE", 50),
		DetailWindow:   envInt("ECHONOTE_DETAIL_WINDOW", 5),
		Secret:         envOr("ECHONOTE_SECRET", "echonote-local-secret"),
	}

	if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
		return nil, fmt.Errorf("ECHONOTE_API_URL is not a valid URL: %w", err)
	}

	// Clamp the periodic interval into the supported window.
	if cfg.SyncInterval < MinSyncInterval {
		cfg.SyncInterval = MinSyncInterval
	}
	if cfg.SyncInterval > MaxSyncInterval {
		cfg.SyncInterval = MaxSyncInterval
	}

	return cfg, nil
}

// DatabasePath returns the SQLite file location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "echonote.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".echonote")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
