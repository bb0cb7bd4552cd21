// Package config tests for environment-based configuration.
package config

import (
	"testing"
	"time"
)

// TestLoad_defaults verifies defaults when no environment is set.
func TestLoad_defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("ListenAddr = %q, want '127.0.0.1:8787'", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want 'info'", cfg.LogLevel)
	}
	if cfg.APIBaseURL != "https://api.echonote.app" {
		t.Errorf("APIBaseURL = %q, want 'https://api.echonote.app'", cfg.APIBaseURL)
	}
	if cfg.SyncInterval != 45*time.Second {
		t.Errorf("SyncInterval = %v, want 45s", cfg.SyncInterval)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should have a default")
	}
}

// TestLoad_overrides verifies environment variables take effect.
func TestLoad_overrides(t *testing.T) {
	t.Setenv("ECHONOTE_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("ECHONOTE_API_URL", "http://localhost:8080")
	t.Setenv("ECHONOTE_SYNC_INTERVAL", "50s")
	t.Setenv("ECHONOTE_DATA_DIR", "/tmp/echonote-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("ListenAddr = %q, want '127.0.0.1:9999'", cfg.ListenAddr)
	}
	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Errorf("APIBaseURL = %q, want 'http://localhost:8080'", cfg.APIBaseURL)
	}
	if cfg.SyncInterval != 50*time.Second {
		t.Errorf("SyncInterval = %v, want 50s", cfg.SyncInterval)
	}
	if cfg.DatabasePath() != "/tmp/echonote-test/echonote.db" {
		t.Errorf("DatabasePath() = %q, want '/tmp/echonote-test/echonote.db'", cfg.DatabasePath())
	}
}

// TestLoad_syncIntervalClamped verifies the interval stays in bounds.
func TestLoad_syncIntervalClamped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"below minimum", "5s", MinSyncInterval},
		{"above maximum", "10m", MaxSyncInterval},
		{"within bounds", "40s", 40 * time.Second},
		{"unparseable", "often", 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ECHONOTE_SYNC_INTERVAL", tt.value)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SyncInterval != tt.want {
				t.Errorf("SyncInterval = %v, want %v", cfg.SyncInterval, tt.want)
			}
		})
	}
}

// TestLoad_invalidAPIURL verifies malformed URLs are rejected.
func TestLoad_invalidAPIURL(t *testing.T) {
	t.Setenv("ECHONOTE_API_URL", "://not-a-url")

	_, err := Load()
	if err == nil {
		t.Error("Load() should reject malformed ECHONOTE_API_URL")
	}
}

// TestLoad_audioDirDefault verifies the audio dir nests under data dir.
func TestLoad_audioDirDefault(t *testing.T) {
	t.Setenv("ECHONOTE_DATA_DIR", "/tmp/echonote-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AudioDir != "/tmp/echonote-test/audio" {
		t.Errorf("AudioDir = %q, want '/tmp/echonote-test/audio'", cfg.AudioDir)
	}
}

// TestLoad_intKeys verifies integer keys parse and fall back on junk.
func TestLoad_intKeys(t *testing.T) {
	t.Setenv("ECHONOTE_QUEUE_BATCH", "10")
	t.Setenv("ECHONOTE_PULL_PAGE_SIZE", "not-a-number")
	t.Setenv("ECHONOTE_DETAIL_WINDOW", "-3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueBatchSize != 10 {
		t.Errorf("QueueBatchSize = %d, want 10", cfg.QueueBatchSize)
	}
	if cfg.PullPageSize != 50 {
		t.Errorf("PullPageSize = %d, want the default 50", cfg.PullPageSize)
	}
	if cfg.DetailWindow != 5 {
		t.Errorf("DetailWindow = %d, want the default 5", cfg.DetailWindow)
	}
}
