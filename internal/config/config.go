package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	HubBaseURL string `envconfig:"HUB_BASE_URL" required:"true"`
	HubToken   string `envconfig:"HUB_TOKEN" required:"true"`

	TargetDir         string        `envconfig:"TARGET_DIR" required:"true"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"720h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`

	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`

	// Server-side quotas. MaxConcurrentDownloads bounds every GET-style
	// request against the hub, MaxConcurrentTriggers bounds retrieval
	// requests against the long-term archive.
	MaxConcurrentDownloads int `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"4"`
	MaxConcurrentTriggers  int `envconfig:"MAX_CONCURRENT_TRIGGERS" default:"10"`

	MaxAttempts        int           `envconfig:"MAX_ATTEMPTS" default:"10"`
	DownloadRetryDelay time.Duration `envconfig:"DOWNLOAD_RETRY_DELAY" default:"10s"`
	LTARetryDelay      time.Duration `envconfig:"LTA_RETRY_DELAY" default:"60s"`
	LTATimeout         time.Duration `envconfig:"LTA_TIMEOUT"`

	ChecksumVerification bool `envconfig:"CHECKSUM_VERIFICATION" default:"true"`
	FailFast             bool `envconfig:"FAIL_FAST"`

	Web struct {
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9090"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
