// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend identifiers.
const (
	BackendS3     = "s3"
	BackendMinIO  = "minio"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Database
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`

	// Auth
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// Storage backend: "s3", "minio", "local" or "memory"
	StorageBackend   string `yaml:"storage_backend"`
	LocalStoragePath string `yaml:"local_storage_path"`

	// S3 / MinIO
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`

	// Resources
	MaxUploadSize   int64 `yaml:"max_upload_size"`
	MaxPathLength   int   `yaml:"max_path_length"`
	CopyConcurrency int   `yaml:"copy_concurrency"`

	// Per-user request rate, 0 = unlimited
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		LogFormat:         "json",
		MigrationsDir:     "migrations",
		TokenTTL:          24 * time.Hour,
		StorageBackend:    BackendMinIO,
		LocalStoragePath:  "/data/storage",
		S3Endpoint:        "localhost:9000",
		S3Bucket:          "user-files",
		S3AccessKey:       "minioadmin",
		S3SecretKey:       "minioadmin",
		S3Region:          "us-east-1",
		MaxUploadSize:     100 * 1024 * 1024, // 100MB default
		MaxPathLength:     200,
		CopyConcurrency:   10,
		RequestsPerMinute: 0,
	}
}

// Load reads the YAML file at path (if path is not empty), then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = envOr("MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.JWTSecret = envOr("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = envDuration("TOKEN_TTL", cfg.TokenTTL)
	cfg.StorageBackend = envOr("STORAGE_BACKEND", cfg.StorageBackend)
	cfg.LocalStoragePath = envOr("LOCAL_STORAGE_PATH", cfg.LocalStoragePath)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = envOr("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.S3UseSSL = envBool("S3_USE_SSL", cfg.S3UseSSL)
	cfg.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)
	cfg.MaxPathLength = envInt("MAX_PATH_LENGTH", cfg.MaxPathLength)
	cfg.CopyConcurrency = envInt("COPY_CONCURRENCY", cfg.CopyConcurrency)
	cfg.RequestsPerMinute = envInt("REQUESTS_PER_MINUTE", cfg.RequestsPerMinute)

	switch cfg.StorageBackend {
	case BackendS3, BackendMinIO, BackendLocal, BackendMemory:
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	if cfg.CopyConcurrency < 1 {
		return nil, fmt.Errorf("COPY_CONCURRENCY must be positive")
	}

	return cfg, nil
}

// RequireDatabase checks the settings needed to reach PostgreSQL.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// RequireServe checks the settings needed to run the HTTP server.
func (c *Config) RequireServe() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
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

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
