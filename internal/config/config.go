// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrAdminUsernameRequired is returned when ADMIN_USERNAME is not set.
	ErrAdminUsernameRequired = errors.New("config: ADMIN_USERNAME is required")
	// ErrAdminCodeRequired is returned when ADMIN_CODE is not set.
	ErrAdminCodeRequired = errors.New("config: ADMIN_CODE is required")
	// ErrGeneratorURLRequired is returned when GENERATOR_URL is not set.
	ErrGeneratorURLRequired = errors.New("config: GENERATOR_URL is required")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Admin bootstrap settings
	AdminUsername string `env:"ADMIN_USERNAME, required" json:"admin_username"`
	AdminCode     string `env:"ADMIN_CODE, required" json:"-"` // Masked in JSON

	// Generator backend settings
	GeneratorURL    string `env:"GENERATOR_URL, required" json:"generator_url"`
	GeneratorAPIKey string `env:"GENERATOR_API_KEY" json:"-"` // Masked in JSON

	// Storage settings
	DBPath    string `env:"DB_PATH, default=users.db" json:"db_path"`
	TempDir   string `env:"TEMP_DIR, default=/tmp/commentary" json:"temp_dir"`
	OutputDir string `env:"OUTPUT_DIR, default=outputs" json:"output_dir"`

	// Processing settings
	StaleJobSec int `env:"STALE_JOB_SEC, default=300" json:"stale_job_sec"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "ADMIN_USERNAME") {
			return nil, ErrAdminUsernameRequired
		}
		if strings.Contains(err.Error(), "ADMIN_CODE") {
			return nil, ErrAdminCodeRequired
		}
		if strings.Contains(err.Error(), "GENERATOR_URL") {
			return nil, ErrGeneratorURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.AdminUsername == "" {
		return ErrAdminUsernameRequired
	}
	if c.AdminCode == "" {
		return ErrAdminCodeRequired
	}
	if c.GeneratorURL == "" {
		return ErrGeneratorURLRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, AdminUsername: %s, GeneratorURL: %s, DBPath: %s, TempDir: %s, OutputDir: %s, StaleJobSec: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.AdminUsername,
		c.GeneratorURL,
		c.DBPath,
		c.TempDir,
		c.OutputDir,
		c.StaleJobSec,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
