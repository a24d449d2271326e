// Package config is the assessd configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sendient/ai-detector-sub001/blobstore"
	"github.com/Sendient/ai-detector-sub001/extractor"
	"github.com/Sendient/ai-detector-sub001/pipeline"
	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/safeio"
	"github.com/Sendient/ai-detector-sub001/scheduler"
	"github.com/Sendient/ai-detector-sub001/scoring"
)

// Config holds the full assessd configuration.
type Config struct {
	Listen            string `yaml:"listen"`
	LogLevel          string `yaml:"log_level"` // debug | info | warn | error
	DBPath            string `yaml:"db_path"`
	ObservabilityPath string `yaml:"observability_db_path"`

	Storage   blobstore.Config  `yaml:"storage"`
	Scorer    ScorerConfig      `yaml:"scorer"`
	Scheduler scheduler.Config  `yaml:"scheduler"`
	Intake    pipeline.Config   `yaml:"intake"`
	Extractor ExtractorConfig   `yaml:"extractor"`
	Plans     quota.PlansConfig `yaml:"plans"`
	Retention RetentionConfig   `yaml:"retention"`
	Auth      AuthConfig        `yaml:"auth"`
}

// AuthConfig selects how the tenant of a request is established. With
// TenantSecret set, requests must carry an HS256 tenant assertion signed
// with it; otherwise the X-Tenant-ID header of a trusted proxy is used.
type AuthConfig struct {
	TenantSecret string `yaml:"tenant_secret"`
	Issuer       string `yaml:"issuer"`
}

// ScorerConfig is the external assessment service.
type ScorerConfig struct {
	scoring.HTTPConfig `yaml:",inline"`
	// BreakerThreshold consecutive transient failures open the circuit for
	// BreakerReset.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// ExtractorConfig configures text extraction and OCR.
type ExtractorConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
	OCR      OCRConfig     `yaml:"ocr"`
}

// OCRConfig enables image extraction through the tesseract binary.
type OCRConfig struct {
	Enabled             bool `yaml:"enabled"`
	extractor.Tesseract `yaml:",inline"`
}

// Registry builds the extractor registry described by c.
func (c ExtractorConfig) Registry(log *slog.Logger) *extractor.Registry {
	cfg := extractor.Config{Timeout: c.Timeout, MaxBytes: c.MaxBytes, Logger: log}
	if c.OCR.Enabled {
		cfg.Recognizer = c.OCR.Tesseract
	}
	return extractor.New(cfg)
}

// RetentionConfig bounds how long observability rows are kept.
type RetentionConfig struct {
	Metrics time.Duration `yaml:"metrics"`
	Events  time.Duration `yaml:"events"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:            ":8080",
		LogLevel:          "info",
		DBPath:            "data/assess.db",
		ObservabilityPath: "data/observability.db",
		Storage:           blobstore.Config{Backend: "fs", Dir: "data/blobs"},
		Scorer: ScorerConfig{
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Scheduler: scheduler.Config{
			Workers:       4,
			MaxRetries:    3,
			BaseBackoff:   2 * time.Second,
			MaxBackoff:    2 * time.Minute,
			AssessTimeout: 60 * time.Second,
			PollInterval:  time.Second,
		},
		Intake:    pipeline.Config{IntakeConcurrency: 8, ExtractAttempts: 2, MaxFileBytes: 50 << 20},
		Extractor: ExtractorConfig{Timeout: 30 * time.Second, MaxBytes: 50 << 20},
		Plans:     quota.DefaultPlans(),
		Retention: RetentionConfig{Metrics: 30 * 24 * time.Hour, Events: 90 * 24 * time.Hour},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel)
	}
	switch c.Storage.Backend {
	case "", "fs":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the fs backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q must be fs, gcs or memory", c.Storage.Backend)
	}
	if c.Scorer.Endpoint == "" {
		return fmt.Errorf("scorer.endpoint is required")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be >= 1")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Scheduler.MaxBackoff < c.Scheduler.BaseBackoff {
		return fmt.Errorf("scheduler.max_backoff must be >= base_backoff")
	}
	if c.Auth.TenantSecret != "" {
		if err := safeio.ValidateSecret([]byte(c.Auth.TenantSecret)); err != nil {
			return fmt.Errorf("auth.tenant_secret: %w", err)
		}
	}
	if _, err := quota.NewStaticPlans(c.Plans); err != nil {
		return err
	}
	return nil
}
