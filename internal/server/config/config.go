// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every server setting. An empty DatabaseURL selects the
// in-memory backends; an empty TransferExpiry means transfers never expire.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	JWTSecret        string        `envconfig:"JWT_SECRET" required:"true"`
	SessionTTL       time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	TransferTokenTTL time.Duration `envconfig:"TRANSFER_TOKEN_TTL" default:"15m"`

	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"fs"`
	StoragePath    string `envconfig:"STORAGE_PATH" default:"./storage/files"`

	S3Bucket       string `envconfig:"S3_BUCKET"`
	S3Region       string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint     string `envconfig:"S3_ENDPOINT"`
	S3AccessKeyID  string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey    string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle bool   `envconfig:"S3_USE_PATH_STYLE" default:"true"`

	MaxFileSize       int64         `envconfig:"MAX_FILE_SIZE" default:"1073741824"`
	TransferExpiry    time.Duration `envconfig:"TRANSFER_EXPIRY" default:"0"`
	MaxVerifyAttempts int           `envconfig:"MAX_VERIFY_ATTEMPTS" default:"5"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	switch cfg.StorageBackend {
	case "fs", "memory":
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q (want fs, s3 or memory)", cfg.StorageBackend)
	}
	return &cfg, nil
}
