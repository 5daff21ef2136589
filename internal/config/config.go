// Package config provides environment-aware configuration management for the
// pipeline engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP boundary.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// RegistryConfig points at the upstream package source and the downstream
// mirror that the Publisher pushes approved packages to.
type RegistryConfig struct {
	UpstreamURL        string `json:"upstream_url" env:"UPSTREAM_REGISTRY_URL"`
	DownstreamURL      string `json:"downstream_url" env:"DOWNSTREAM_REGISTRY_URL"`
	DownstreamToken    string `json:"downstream_token" env:"DOWNSTREAM_REGISTRY_TOKEN"`
	RequestsPerSecond  float64 `json:"requests_per_second" env:"REGISTRY_REQUESTS_PER_SECOND"`
	Burst              int     `json:"burst" env:"REGISTRY_BURST"`
}

// CacheConfig controls the local content-addressed artifact cache.
type CacheConfig struct {
	Dir string `json:"dir" env:"PACKAGE_CACHE_DIR"`
}

// PipelineConfig tunes per-stage timeouts and the Supervisor's sweep.
type PipelineConfig struct {
	DownloadTimeoutSeconds int    `json:"download_timeout_seconds" env:"DOWNLOAD_TIMEOUT_SECONDS"`
	ScanTimeoutSeconds     int    `json:"scan_timeout_seconds" env:"SCAN_TIMEOUT_SECONDS"`
	PublishTimeoutSeconds  int    `json:"publish_timeout_seconds" env:"PUBLISH_TIMEOUT_SECONDS"`
	StuckTimeoutMinutes    int    `json:"stuck_timeout_minutes" env:"STUCK_TIMEOUT_MINUTES"`
	StuckSweepCron         string `json:"stuck_sweep_cron" env:"STUCK_SWEEP_CRON"`
	ClaimBatchSize         int    `json:"claim_batch_size" env:"CLAIM_BATCH_SIZE"`
}

func (p PipelineConfig) DownloadTimeout() time.Duration {
	return time.Duration(p.DownloadTimeoutSeconds) * time.Second
}

func (p PipelineConfig) ScanTimeout() time.Duration {
	return time.Duration(p.ScanTimeoutSeconds) * time.Second
}

func (p PipelineConfig) PublishTimeout() time.Duration {
	return time.Duration(p.PublishTimeoutSeconds) * time.Second
}

func (p PipelineConfig) StuckTimeout() time.Duration {
	return time.Duration(p.StuckTimeoutMinutes) * time.Minute
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Registry RegistryConfig `json:"registry"`
	Cache    CacheConfig    `json:"cache"`
	Pipeline PipelineConfig `json:"pipeline"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "pipelined",
		},
		Registry: RegistryConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Cache: CacheConfig{
			Dir: "/var/lib/pipelined/cache",
		},
		Pipeline: PipelineConfig{
			DownloadTimeoutSeconds: 60,
			ScanTimeoutSeconds:     120,
			PublishTimeoutSeconds:  60,
			StuckTimeoutMinutes:    15,
			StuckSweepCron:         "@every 1m",
			ClaimBatchSize:         10,
		},
	}
}

// Load loads configuration from a file (if present) and environment
// variables. Environment variables always win over file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads configuration from a JSON file over New's defaults. Unlike
// Load and LoadFile it does not call Validate.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate returns an error when DATABASE_URL, UPSTREAM_REGISTRY_URL,
// DOWNSTREAM_REGISTRY_URL or PACKAGE_CACHE_DIR is empty. The cache directory
// and the pipeline timeouts keep New's defaults when unset, so an unset
// PACKAGE_CACHE_DIR is not reported; the timeouts are not checked here.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Registry.UpstreamURL) == "" {
		return fmt.Errorf("UPSTREAM_REGISTRY_URL is required")
	}
	if strings.TrimSpace(c.Registry.DownstreamURL) == "" {
		return fmt.Errorf("DOWNSTREAM_REGISTRY_URL is required")
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return fmt.Errorf("PACKAGE_CACHE_DIR is required")
	}
	return nil
}
