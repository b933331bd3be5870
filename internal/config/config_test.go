package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		SchemaVersion:              "1.0",
		ProjectPath:                ".",
		LogLevel:                   "info",
		RequestTimeout:             30 * time.Second,
		ShutdownTimeout:            30 * time.Second,
		RequestsPerMinute:          30,
		RequestsPerHour:            300,
		MaxConcurrentJobs:          5,
		MaxJobDuration:             30 * time.Minute,
		MaxFileSizeMB:              100,
		MaxProgressFiles:           1000,
		MaxJSONSize:                1024 * 1024,
		MaxJSONDepth:               10,
		MaxJobIDLength:             128,
		WSMaxMessageSize:           1024 * 1024,
		WSMaxMessagesPerConnection: 10000,
		WSMaxConcurrentConnections: 100,
		WSAllowedOrigins:           []string{"http://localhost"},
		BatchDebounceDelay:         time.Second,
		BatchMaxSize:               10,
		ProgressQueueSize:          1000,
		ProgressPollPeriod:         500 * time.Millisecond,
		AuditBufferSize:            1000,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"shutdown timeout too low", func(c *Config) { c.ShutdownTimeout = time.Second }},
		{"requests per minute zero", func(c *Config) { c.RequestsPerMinute = 0 }},
		{"hour below minute", func(c *Config) { c.RequestsPerHour = 10 }},
		{"concurrent jobs zero", func(c *Config) { c.MaxConcurrentJobs = 0 }},
		{"concurrent jobs too high", func(c *Config) { c.MaxConcurrentJobs = 500 }},
		{"json depth zero", func(c *Config) { c.MaxJSONDepth = 0 }},
		{"empty origins", func(c *Config) { c.WSAllowedOrigins = nil }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"batch size zero", func(c *Config) { c.BatchMaxSize = 0 }},
		{"audit buffer too small", func(c *Config) { c.AuditBufferSize = 10 }},
		{"poll period too short", func(c *Config) { c.ProgressPollPeriod = time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REQUESTS_PER_MINUTE", "7")
	t.Setenv("WEBSOCKET_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestsPerMinute != 7 {
		t.Errorf("RequestsPerMinute = %d, want 7", cfg.RequestsPerMinute)
	}
	if cfg.WebSocketPort != 9999 {
		t.Errorf("WebSocketPort = %d, want 9999", cfg.WebSocketPort)
	}
	// Untouched options keep their defaults.
	if cfg.MaxConcurrentJobs != 5 {
		t.Errorf("MaxConcurrentJobs default = %d, want 5", cfg.MaxConcurrentJobs)
	}
}

func TestLoadYAMLOverlayWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("requests_per_minute: 11\nmax_concurrent_jobs: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REQUESTS_PER_MINUTE", "22")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestsPerMinute != 11 {
		t.Errorf("overlay key did not win: %d", cfg.RequestsPerMinute)
	}
	if cfg.MaxConcurrentJobs != 3 {
		t.Errorf("yaml overlay ignored: %d", cfg.MaxConcurrentJobs)
	}
	// Keys absent from the overlay keep env/default values.
	if cfg.RequestsPerHour != 300 {
		t.Errorf("RequestsPerHour = %d, want default 300", cfg.RequestsPerHour)
	}
}

func TestMasked(t *testing.T) {
	cfg := validConfig()
	cfg.RedisPassword = "hunter2"

	masked := cfg.Masked()
	if masked.RedisPassword != "***" {
		t.Errorf("RedisPassword = %q, want masked", masked.RedisPassword)
	}
	if cfg.RedisPassword != "hunter2" {
		t.Error("Masked mutated the original")
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	cfg := validConfig()
	cfg.MaxFileSizeMB = 2
	if got := cfg.MaxFileSizeBytes(); got != 2*1024*1024 {
		t.Errorf("MaxFileSizeBytes = %d", got)
	}
}
