// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the dropzone client configuration.
type Config struct {
	// Logging and metrics
	LogLevel    string
	LogFormat   string
	MetricsAddr string // empty disables the metrics listener

	// Traversal
	PageSize    int
	MaxInFlight int // 0 = unbounded

	// Upload destination ("local", "s3" or "remote", default: "local")
	StorageBackend   string
	LocalStoragePath string
	DestPrefix       string
	TargetReadOnly   bool

	// S3 storage and bucket source
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Remote server
	RemoteURL     string
	RemoteTimeout time.Duration

	// Auth
	Token     string
	TokenFile string
	JWTSecret string

	// Journal (optional)
	DatabaseURL string

	// Upload queue
	UploadWorkers int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "console"),
		MetricsAddr:      envOr("METRICS_ADDR", ""),
		PageSize:         envInt("PAGE_SIZE", 100),
		MaxInFlight:      envInt("MAX_INFLIGHT", 0),
		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "./uploads"),
		DestPrefix:       envOr("DEST_PREFIX", ""),
		TargetReadOnly:   envBool("TARGET_READ_ONLY", false),
		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Bucket:         envOr("S3_BUCKET", ""),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		RemoteURL:        envOr("REMOTE_URL", ""),
		RemoteTimeout:    envDuration("REMOTE_TIMEOUT", 5*time.Minute),
		Token:            envOr("DROPZONE_TOKEN", ""),
		TokenFile:        envOr("DROPZONE_TOKEN_FILE", ""),
		JWTSecret:        envOr("JWT_SECRET", ""),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		UploadWorkers:    envInt("UPLOAD_WORKERS", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("MAX_INFLIGHT must not be negative, got %d", c.MaxInFlight)
	}
	if c.UploadWorkers <= 0 {
		return fmt.Errorf("UPLOAD_WORKERS must be positive, got %d", c.UploadWorkers)
	}

	switch c.StorageBackend {
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required for the local backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	case "remote":
		if c.RemoteURL == "" {
			return fmt.Errorf("REMOTE_URL is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
