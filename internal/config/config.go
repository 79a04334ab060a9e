// Package config loads configuration from environment variables.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Node store
	StoreBackend      string `envconfig:"STORE_BACKEND" default:"memory"`
	DatabaseURL       string `envconfig:"DATABASE_URL"`
	MongoURI          string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase     string `envconfig:"MONGO_DATABASE" default:"deskfs"`
	MongoTransactions bool   `envconfig:"MONGO_TRANSACTIONS" default:"true"`

	// Auth
	JWTSecret string `envconfig:"JWT_SECRET"`

	// Engine
	MaxContentSize          int64  `envconfig:"MAX_CONTENT_SIZE" default:"10485760"` // 10MB
	SearchLimit             int    `envconfig:"SEARCH_LIMIT" default:"50"`
	BootstrapSkeletonFile   string `envconfig:"BOOTSTRAP_SKELETON_FILE"`
	BootstrapOnFirstRequest bool   `envconfig:"BOOTSTRAP_ON_FIRST_REQUEST" default:"true"`

	// Rate limiting (0 = unlimited)
	RequestsPerMinute int `envconfig:"REQUESTS_PER_MINUTE" default:"0"`
	RateBurst         int `envconfig:"RATE_BURST" default:"0"`

	// Snapshots to S3 (optional)
	SnapshotsEnabled bool   `envconfig:"SNAPSHOTS_ENABLED" default:"false"`
	S3Endpoint       string `envconfig:"S3_ENDPOINT" default:"http://localhost:9000"`
	S3Bucket         string `envconfig:"S3_BUCKET" default:"deskfs-snapshots"`
	S3AccessKey      string `envconfig:"S3_ACCESS_KEY" default:"minioadmin"`
	S3SecretKey      string `envconfig:"S3_SECRET_KEY" default:"minioadmin"`
	S3Region         string `envconfig:"S3_REGION" default:"us-east-1"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.SearchLimit <= 0 {
		return fmt.Errorf("SEARCH_LIMIT must be positive")
	}
	if c.RequestsPerMinute < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	return nil
}
