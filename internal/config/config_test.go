package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Image.ByteBudget != 512*1024 {
		t.Errorf("ByteBudget: got %d, want %d", cfg.Image.ByteBudget, 512*1024)
	}
	if cfg.OpenAI.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("BaseURL: got %q", cfg.OpenAI.BaseURL)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %q, want info", cfg.LogLevel)
	}
	if cfg.Download.Enabled {
		t.Error("download server should default to disabled")
	}
	if cfg.Download.PublicBaseURL != "http://localhost:8080" {
		t.Errorf("PublicBaseURL: got %q", cfg.Download.PublicBaseURL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("IMAGE_BYTE_BUDGET", "768000")
	t.Setenv("DOWNLOAD_SERVER_ENABLED", "true")
	t.Setenv("DOWNLOAD_PUBLIC_BASE_URL", "https://img.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Image.ByteBudget != 768000 {
		t.Errorf("ByteBudget: got %d, want 768000", cfg.Image.ByteBudget)
	}
	if !cfg.Download.Enabled {
		t.Error("download server should be enabled")
	}
	if cfg.Download.PublicBaseURL != "https://img.example.com" {
		t.Errorf("PublicBaseURL: got %q", cfg.Download.PublicBaseURL)
	}
}

func TestLoad_RejectsNonPositiveBudget(t *testing.T) {
	t.Setenv("IMAGE_BYTE_BUDGET", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero budget")
	}
}
