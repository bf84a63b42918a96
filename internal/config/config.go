// Package config loads application settings from files, environment
// variables, and flags, and converts them into component configurations.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/snapcal-tech/snapcal/internal/cache"
	"github.com/snapcal-tech/snapcal/internal/classifier"
	"github.com/snapcal-tech/snapcal/internal/gate"
	"github.com/snapcal-tech/snapcal/internal/normalize"
	"github.com/snapcal-tech/snapcal/internal/pipeline"
	"github.com/snapcal-tech/snapcal/internal/server"
	"github.com/snapcal-tech/snapcal/internal/vision"
)

// Config represents the complete configuration for the snapcal application.
// It covers all commands (analyze, serve, cache, history) and loads from
// configuration files, environment variables, and command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Image normalization settings
	Image ImageConfig `mapstructure:"image" yaml:"image" json:"image"`

	// On-device detection gate settings
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection" json:"detection"`

	// Remote vision API settings
	API APIConfig `mapstructure:"api" yaml:"api" json:"api"`

	// Result cache settings
	Cache CacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`

	// Meal history settings
	History HistoryConfig `mapstructure:"history" yaml:"history" json:"history"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// ImageConfig contains compression and resize settings.
type ImageConfig struct {
	MaxUploadMB    int64   `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	MaxEdge        int     `mapstructure:"max_edge" yaml:"max_edge" json:"max_edge"`
	TargetMinKB    int     `mapstructure:"target_min_kb" yaml:"target_min_kb" json:"target_min_kb"`
	TargetMaxKB    int     `mapstructure:"target_max_kb" yaml:"target_max_kb" json:"target_max_kb"`
	QualityLow     float64 `mapstructure:"quality_low" yaml:"quality_low" json:"quality_low"`
	QualityHigh    float64 `mapstructure:"quality_high" yaml:"quality_high" json:"quality_high"`
	MaxIterations  int     `mapstructure:"max_iterations" yaml:"max_iterations" json:"max_iterations"`
	ThumbnailEdge  int     `mapstructure:"thumbnail_edge" yaml:"thumbnail_edge" json:"thumbnail_edge"`
	SaveThumbnails bool    `mapstructure:"save_thumbnails" yaml:"save_thumbnails" json:"save_thumbnails"`
}

// DetectionConfig contains classifier gate settings.
type DetectionConfig struct {
	FoodThreshold    float64 `mapstructure:"food_threshold" yaml:"food_threshold" json:"food_threshold"`
	NonFoodThreshold float64 `mapstructure:"non_food_threshold" yaml:"non_food_threshold" json:"non_food_threshold"`
	TopK             int     `mapstructure:"top_k" yaml:"top_k" json:"top_k"`
	NumThreads       int     `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
	Warmup           bool    `mapstructure:"warmup" yaml:"warmup" json:"warmup"`
}

// APIConfig contains remote vision service settings.
type APIConfig struct {
	BaseURL            string `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Key                string `mapstructure:"key" yaml:"key" json:"-"`
	PrimaryTimeoutSec  int    `mapstructure:"primary_timeout_sec" yaml:"primary_timeout_sec" json:"primary_timeout_sec"`
	FallbackTimeoutSec int    `mapstructure:"fallback_timeout_sec" yaml:"fallback_timeout_sec" json:"fallback_timeout_sec"`
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
	TTLDays int    `mapstructure:"ttl_days" yaml:"ttl_days" json:"ttl_days"`
}

// HistoryConfig contains meal history settings.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string `mapstructure:"host" yaml:"host" json:"host"`
	Port              int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin        string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	TimeoutSec        int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout   int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int    `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int    `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDayMB   int64  `mapstructure:"max_data_per_day_mb" yaml:"max_data_per_day_mb" json:"max_data_per_day_mb"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	img := normalize.DefaultConfig()
	det := gate.DefaultConfig()

	return Config{
		ModelsDir: classifier.GetModelsDir(""),
		LogLevel:  "info",
		Verbose:   false,
		Image: ImageConfig{
			MaxUploadMB:    img.MaxFileBytes / (1024 * 1024),
			MaxEdge:        img.MaxEdge,
			TargetMinKB:    img.TargetMinBytes / 1024,
			TargetMaxKB:    img.TargetMaxBytes / 1024,
			QualityLow:     img.QualityLow,
			QualityHigh:    img.QualityHigh,
			MaxIterations:  img.MaxIterations,
			ThumbnailEdge:  img.ThumbnailEdge,
			SaveThumbnails: true,
		},
		Detection: DetectionConfig{
			FoodThreshold:    det.FoodThreshold,
			NonFoodThreshold: det.NonFoodThreshold,
			TopK:             det.TopK,
			NumThreads:       0,
			Warmup:           false,
		},
		API: APIConfig{
			PrimaryTimeoutSec:  int(vision.DefaultPrimaryTimeout / time.Second),
			FallbackTimeoutSec: int(vision.DefaultFallbackTimeout / time.Second),
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    "snapcal-cache.db",
			TTLDays: int(cache.DefaultTTL / (24 * time.Hour)),
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "snapcal-history.db",
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			CORSOrigin:        "*",
			TimeoutSec:        180,
			ShutdownTimeout:   10,
			RequestsPerMinute: 30,
			RequestsPerHour:   300,
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Image.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Image.MaxUploadMB)
	}
	if c.Image.MaxEdge <= 0 {
		return fmt.Errorf("invalid max edge: %d (must be positive)", c.Image.MaxEdge)
	}
	if c.Image.TargetMinKB <= 0 || c.Image.TargetMaxKB <= c.Image.TargetMinKB {
		return fmt.Errorf("invalid target size band: %d-%d KB", c.Image.TargetMinKB, c.Image.TargetMaxKB)
	}
	if err := validateQuality(c.Image.QualityLow, "image.quality_low"); err != nil {
		return err
	}
	if err := validateQuality(c.Image.QualityHigh, "image.quality_high"); err != nil {
		return err
	}
	if c.Image.QualityHigh <= c.Image.QualityLow {
		return fmt.Errorf("image.quality_high (%.2f) must exceed image.quality_low (%.2f)",
			c.Image.QualityHigh, c.Image.QualityLow)
	}
	if c.Image.MaxIterations <= 0 {
		return fmt.Errorf("invalid max iterations: %d (must be positive)", c.Image.MaxIterations)
	}

	if err := validateThreshold(c.Detection.FoodThreshold, "detection.food_threshold"); err != nil {
		return err
	}
	if err := validateThreshold(c.Detection.NonFoodThreshold, "detection.non_food_threshold"); err != nil {
		return err
	}
	if c.Detection.TopK <= 0 {
		return fmt.Errorf("invalid detection top_k: %d (must be positive)", c.Detection.TopK)
	}

	if c.API.PrimaryTimeoutSec <= 0 {
		return fmt.Errorf("invalid API primary timeout: %d (must be positive)", c.API.PrimaryTimeoutSec)
	}
	if c.API.FallbackTimeoutSec < c.API.PrimaryTimeoutSec {
		return fmt.Errorf("API fallback timeout (%d) must be at least the primary timeout (%d)",
			c.API.FallbackTimeoutSec, c.API.PrimaryTimeoutSec)
	}

	if c.Cache.Enabled && c.Cache.TTLDays <= 0 {
		return fmt.Errorf("invalid cache TTL: %d days (must be positive)", c.Cache.TTLDays)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid server timeout: %d (must be positive)", c.Server.TimeoutSec)
	}

	return nil
}

// ToPipelineConfig converts the config to the pipeline configuration format.
func (c *Config) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		ModelsDir:     c.ModelsDir,
		Normalize:     c.toNormalizeConfig(),
		Gate:          c.toGateConfig(),
		Classifier:    c.toClassifierConfig(),
		Vision:        c.toVisionConfig(),
		SaveHistory:   c.History.Enabled,
		SaveThumbnail: c.Image.SaveThumbnails,
	}
}

// ToServerConfig converts the config to the server configuration format.
func (c *Config) ToServerConfig() server.Config {
	return server.Config{
		Host:              c.Server.Host,
		Port:              c.Server.Port,
		CORSOrigin:        c.Server.CORSOrigin,
		MaxUploadMB:       c.Image.MaxUploadMB,
		TimeoutSec:        c.Server.TimeoutSec,
		RequestsPerMinute: c.Server.RequestsPerMinute,
		RequestsPerHour:   c.Server.RequestsPerHour,
		MaxRequestsPerDay: c.Server.MaxRequestsPerDay,
		MaxDataPerDayMB:   c.Server.MaxDataPerDayMB,
		Pipeline:          c.ToPipelineConfig(),
	}
}

// CacheTTL returns the configured cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	if c.Cache.TTLDays <= 0 {
		return cache.DefaultTTL
	}
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// toNormalizeConfig converts to normalize.Config.
func (c *Config) toNormalizeConfig() normalize.Config {
	cfg := normalize.DefaultConfig()
	cfg.MaxFileBytes = c.Image.MaxUploadMB * 1024 * 1024
	cfg.MaxEdge = c.Image.MaxEdge
	cfg.TargetMinBytes = c.Image.TargetMinKB * 1024
	cfg.TargetMaxBytes = c.Image.TargetMaxKB * 1024
	cfg.QualityLow = c.Image.QualityLow
	cfg.QualityHigh = c.Image.QualityHigh
	cfg.MaxIterations = c.Image.MaxIterations
	cfg.ThumbnailEdge = c.Image.ThumbnailEdge
	return cfg
}

// toGateConfig converts to gate.Config.
func (c *Config) toGateConfig() gate.Config {
	return gate.Config{
		FoodThreshold:    c.Detection.FoodThreshold,
		NonFoodThreshold: c.Detection.NonFoodThreshold,
		TopK:             c.Detection.TopK,
	}
}

// toClassifierConfig converts to classifier.Config.
func (c *Config) toClassifierConfig() classifier.Config {
	cfg := classifier.DefaultConfig()
	cfg.NumThreads = c.Detection.NumThreads
	cfg.EnableWarmup = c.Detection.Warmup
	if c.ModelsDir != "" {
		cfg.UpdateModelPath(c.ModelsDir)
	}
	return cfg
}

// toVisionConfig converts to vision.Config.
func (c *Config) toVisionConfig() vision.Config {
	cfg := vision.DefaultConfig()
	cfg.BaseURL = c.API.BaseURL
	cfg.APIKey = c.API.Key
	cfg.PrimaryTimeout = time.Duration(c.API.PrimaryTimeoutSec) * time.Second
	cfg.FallbackTimeout = time.Duration(c.API.FallbackTimeoutSec) * time.Second
	return cfg
}

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

// validateQuality validates an encoder quality value.
func validateQuality(value float64, name string) error {
	if value <= 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be in (0.0, 1.0])", name, value)
	}
	return nil
}
