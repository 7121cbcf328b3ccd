// Package config handles configuration loading for the annotation
// engine.
package config

import (
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Render   RenderConfig   `yaml:"render"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Cache    CacheConfig    `yaml:"cache"`
	Journal  JournalConfig  `yaml:"journal"`
	Labeling LabelingConfig `yaml:"labeling"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig points at the annotation store.
type StoreConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
}

// RenderConfig contains canvas and drawing settings.
type RenderConfig struct {
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	Padding         int    `yaml:"padding"`
	DefaultColormap string `yaml:"default_colormap"`
	JPEGQuality     int    `yaml:"jpeg_quality"`
}

// OverlayConfig locates optional overlay inputs. An empty ellipse
// path disables the ellipse layer.
type OverlayConfig struct {
	EllipsePath   string `yaml:"ellipse_path"`
	HullMaxPoints int    `yaml:"hull_max_points"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FrameSizeMB     int `yaml:"frame_size_mb"`
	FrameTTLMinutes int `yaml:"frame_ttl_minutes"`
	QuerySize       int `yaml:"query_size"`
}

// JournalConfig locates the local action journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LabelingConfig tunes the annotation workflow. Screenshots default
// on; DisableScreenshots turns the capture step off.
type LabelingConfig struct {
	FlowTopK           int     `yaml:"flow_top_k"`
	FlowCoverage       float64 `yaml:"flow_coverage"`
	DisableScreenshots bool    `yaml:"disable_screenshots"`
	ScreenshotMaxWidth int     `yaml:"screenshot_max_width"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrapf(err, "parse config %s", path)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{
			BaseURL:        "http://localhost:5000",
			TimeoutSeconds: 10,
			ProbeTimeoutMS: 1500,
		},
		Render: RenderConfig{
			Width:           1280,
			Height:          800,
			Padding:         24,
			DefaultColormap: "viridis",
			JPEGQuality:     85,
		},
		Overlay: OverlayConfig{
			HullMaxPoints: 500,
		},
		Cache: CacheConfig{
			FrameSizeMB:     128,
			FrameTTLMinutes: 10,
			QuerySize:       256,
		},
		Journal: JournalConfig{
			Path: "./annotator-journal.db",
		},
		Labeling: LabelingConfig{
			FlowTopK:           40,
			FlowCoverage:       0.9,
			ScreenshotMaxWidth: 1280,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Store.BaseURL == "" {
		cfg.Store.BaseURL = defaults.Store.BaseURL
	}
	if cfg.Store.TimeoutSeconds == 0 {
		cfg.Store.TimeoutSeconds = defaults.Store.TimeoutSeconds
	}
	if cfg.Store.ProbeTimeoutMS == 0 {
		cfg.Store.ProbeTimeoutMS = defaults.Store.ProbeTimeoutMS
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.Padding == 0 {
		cfg.Render.Padding = defaults.Render.Padding
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.JPEGQuality == 0 {
		cfg.Render.JPEGQuality = defaults.Render.JPEGQuality
	}
	if cfg.Overlay.HullMaxPoints == 0 {
		cfg.Overlay.HullMaxPoints = defaults.Overlay.HullMaxPoints
	}
	if cfg.Cache.FrameSizeMB == 0 {
		cfg.Cache.FrameSizeMB = defaults.Cache.FrameSizeMB
	}
	if cfg.Cache.FrameTTLMinutes == 0 {
		cfg.Cache.FrameTTLMinutes = defaults.Cache.FrameTTLMinutes
	}
	if cfg.Cache.QuerySize == 0 {
		cfg.Cache.QuerySize = defaults.Cache.QuerySize
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.Labeling.FlowTopK == 0 {
		cfg.Labeling.FlowTopK = defaults.Labeling.FlowTopK
	}
	if cfg.Labeling.FlowCoverage == 0 {
		cfg.Labeling.FlowCoverage = defaults.Labeling.FlowCoverage
	}
	if cfg.Labeling.ScreenshotMaxWidth == 0 {
		cfg.Labeling.ScreenshotMaxWidth = defaults.Labeling.ScreenshotMaxWidth
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// InitLogger builds a zap logger from the log section and installs it
// as the global logger.
func InitLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrapf(err, "parse log level %q", cfg.Level)
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "build logger")
	}
	zap.ReplaceGlobals(logger)

	return logger, nil
}
