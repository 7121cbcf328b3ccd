package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverrides(t *testing.T) {
	content := `
server:
  port: 9000
  cors_origins:
    - "http://annotator.local"
store:
  base_url: "http://store.internal:5000"
  timeout_seconds: 30
render:
  width: 1600
  default_colormap: "plasma"
labeling:
  flow_top_k: 25
  disable_screenshots: true
log:
  level: "debug"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "http://annotator.local" {
		t.Errorf("unexpected cors origins: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Store.BaseURL != "http://store.internal:5000" {
		t.Errorf("unexpected store url: %s", cfg.Store.BaseURL)
	}
	if cfg.Store.TimeoutSeconds != 30 {
		t.Errorf("expected timeout 30, got %d", cfg.Store.TimeoutSeconds)
	}
	if cfg.Render.Width != 1600 {
		t.Errorf("expected width 1600, got %d", cfg.Render.Width)
	}
	if cfg.Render.DefaultColormap != "plasma" {
		t.Errorf("unexpected colormap: %s", cfg.Render.DefaultColormap)
	}
	if cfg.Labeling.FlowTopK != 25 {
		t.Errorf("expected flow_top_k 25, got %d", cfg.Labeling.FlowTopK)
	}
	if !cfg.Labeling.DisableScreenshots {
		t.Errorf("expected screenshots disabled")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("unexpected log level: %s", cfg.Log.Level)
	}
}

func TestLoadDefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
store:
  base_url: "http://store.internal:5000"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Render.Width != 1280 || cfg.Render.Height != 800 {
		t.Errorf("expected default canvas 1280x800, got %dx%d", cfg.Render.Width, cfg.Render.Height)
	}
	if cfg.Render.DefaultColormap != "viridis" {
		t.Errorf("expected default colormap viridis, got %q", cfg.Render.DefaultColormap)
	}
	if cfg.Cache.FrameSizeMB != 128 {
		t.Errorf("expected default frame cache 128, got %d", cfg.Cache.FrameSizeMB)
	}
	if cfg.Labeling.FlowTopK != 40 {
		t.Errorf("expected default flow_top_k 40, got %d", cfg.Labeling.FlowTopK)
	}
	if cfg.Labeling.DisableScreenshots {
		t.Errorf("screenshots should default on")
	}
	if cfg.Journal.Path == "" {
		t.Errorf("expected default journal path")
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
	if cfg.Store.BaseURL == "" {
		t.Errorf("expected default store url")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInitLogger(t *testing.T) {
	logger, err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("nil logger")
	}

	if _, err := InitLogger(LogConfig{Level: "shouting", Format: "json"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
