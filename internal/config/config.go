// Package config loads server configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable the server reads at startup.
type Config struct {
	OpenAI   OpenAIConfig
	Image    ImageConfig
	Download DownloadConfig

	// LogLevel is a zerolog level name: debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// AppEnv switches console logging on in development.
	AppEnv string `env:"APP_ENV" envDefault:"production"`
}

// OpenAIConfig configures the provider client.
type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
}

// ImageConfig configures the compression codec and original archiving.
type ImageConfig struct {
	// ByteBudget is the target maximum size per compressed image.
	ByteBudget int `env:"IMAGE_BYTE_BUDGET" envDefault:"524288"`

	// ArchiveDir, when set, receives a copy of each raw provider image
	// for the download server to serve. Empty disables archiving.
	ArchiveDir string `env:"IMAGE_ARCHIVE_DIR"`
}

// DownloadConfig configures the optional HTTP download server.
type DownloadConfig struct {
	Enabled bool   `env:"DOWNLOAD_SERVER_ENABLED" envDefault:"false"`
	Addr    string `env:"DOWNLOAD_SERVER_ADDR" envDefault:"localhost:8080"`

	// PublicBaseURL is the externally reachable prefix embedded in
	// download links. Defaults to http://<Addr>.
	PublicBaseURL string `env:"DOWNLOAD_PUBLIC_BASE_URL"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.Image.ByteBudget <= 0 {
		return nil, fmt.Errorf("IMAGE_BYTE_BUDGET must be positive, got %d", cfg.Image.ByteBudget)
	}
	if cfg.Download.PublicBaseURL == "" {
		cfg.Download.PublicBaseURL = "http://" + cfg.Download.Addr
	}
	return cfg, nil
}
