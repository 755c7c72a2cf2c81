package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sietchtabr/openai-image-mcp/internal/config"
	"github.com/sietchtabr/openai-image-mcp/internal/download"
	"github.com/sietchtabr/openai-image-mcp/internal/openai"
	"github.com/sietchtabr/openai-image-mcp/internal/server"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Handle --version and -v flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Printf("openai-image-mcp %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case "--help", "-h", "help":
			fmt.Println("openai-image-mcp - MCP server for OpenAI text and image generation")
			fmt.Println()
			fmt.Println("Usage: openai-image-mcp [options]")
			fmt.Println()
			fmt.Println("Options:")
			fmt.Println("  --version, -v    Print version information")
			fmt.Println("  --help, -h       Print this help message")
			fmt.Println()
			fmt.Println("Environment variables:")
			fmt.Println("  OPENAI_API_KEY             API key (required)")
			fmt.Println("  OPENAI_BASE_URL            API base URL")
			fmt.Println("  IMAGE_BYTE_BUDGET          Target compressed image size in bytes")
			fmt.Println("  IMAGE_ARCHIVE_DIR          Directory for archived originals")
			fmt.Println("  DOWNLOAD_SERVER_ENABLED    Serve archived originals over HTTP")
			fmt.Println("  DOWNLOAD_SERVER_ADDR       Download server listen address")
			fmt.Println("  DOWNLOAD_PUBLIC_BASE_URL   Base URL embedded in download links")
			fmt.Println("  LOG_LEVEL                  zerolog level (debug, info, warn, error)")
			fmt.Println()
			fmt.Println("This server communicates via MCP protocol over stdin/stdout.")
			fmt.Println("Configure it in your MCP client (e.g., Claude Desktop).")
			return
		}
	}

	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	client, err := openai.NewClient(openai.Options{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create OpenAI client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var downloadBaseURL string
	if cfg.Download.Enabled && cfg.Image.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.Image.ArchiveDir, 0o755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create archive directory")
		}
		dl := download.New(cfg.Download.Addr, cfg.Image.ArchiveDir, logger)
		go func() {
			if err := dl.Start(); err != nil {
				logger.Error().Err(err).Msg("download server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = dl.Shutdown(shutdownCtx)
		}()
		downloadBaseURL = cfg.Download.PublicBaseURL
		logger.Info().Str("addr", cfg.Download.Addr).Msg("download server enabled")
	}

	srv := server.New(server.Options{
		Connector: client,
		Config: server.Config{
			ByteBudget:      cfg.Image.ByteBudget,
			ArchiveDir:      cfg.Image.ArchiveDir,
			DownloadBaseURL: downloadBaseURL,
		},
		Logger: logger,
	})

	logger.Info().Str("version", Version).Msg("starting MCP server on stdio")
	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

// newLogger writes structured logs to stderr; stdout carries the protocol.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.AppEnv == "development" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
