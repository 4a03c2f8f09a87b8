// Package config provides configuration management for the Vigil server.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8080
	DefaultLogLevel = "info"
	DefaultDataDir  = ".vigil"

	// Environment variable names
	EnvPort     = "VIGIL_PORT"
	EnvLogLevel = "VIGIL_LOG_LEVEL"
	EnvDataDir  = "VIGIL_DATA_DIR"

	EnvDatabaseURL = "VIGIL_DATABASE_URL"
	EnvJWTSecret   = "VIGIL_JWT_SECRET"

	EnvMinioEndpoint    = "VIGIL_MINIO_ENDPOINT"
	EnvMinioAccessKey   = "VIGIL_MINIO_ACCESS_KEY"
	EnvMinioSecretKey   = "VIGIL_MINIO_SECRET_KEY"
	EnvMinioUseSSL      = "VIGIL_MINIO_USE_SSL"
	EnvMinioVideoBucket = "VIGIL_MINIO_VIDEO_BUCKET"
	EnvMinioLogBucket   = "VIGIL_MINIO_LOG_BUCKET"

	EnvDetectorPython = "VIGIL_DETECTOR_PYTHON"
	EnvDetectorModule = "VIGIL_DETECTOR_MODULE"

	// Upload limit for a single video file
	MaxUploadBytes = 100 * 1024 * 1024 // 100 MiB

	// Inference defaults
	DefaultConfidence      = 0.6
	DefaultBatchSize       = 16
	DefaultFrameStride     = 8
	DefaultDetectorModule  = "vigil_detector"
	DefaultDetectorTimeout = 30 * time.Minute
	DefaultProbeTimeout    = 30 * time.Second
	DefaultConvertTimeout  = 10 * time.Minute
)

// Config holds all server configuration.
type Config struct {
	Port     int
	LogLevel string
	DataDir  string

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// JWTSecret signs HS256 tokens. Required.
	JWTSecret string

	MinioEndpoint    string
	MinioAccessKey   string
	MinioSecretKey   string
	MinioUseSSL      bool
	MinioVideoBucket string
	MinioLogBucket   string

	DetectorPython string
	DetectorModule string

	Confidence  float64
	BatchSize   int
	FrameStride int

	DetectorTimeout time.Duration
	ProbeTimeout    time.Duration
	ConvertTimeout  time.Duration
}

// New creates a Config with defaults and environment variable overrides.
// Returns an error for missing required values or malformed overrides.
func New() (*Config, error) {
	cfg := &Config{
		Port:             DefaultPort,
		LogLevel:         DefaultLogLevel,
		DataDir:          defaultDataDir(),
		MinioVideoBucket: "videos",
		MinioLogBucket:   "logs",
		DetectorModule:   DefaultDetectorModule,
		Confidence:       DefaultConfidence,
		BatchSize:        DefaultBatchSize,
		FrameStride:      DefaultFrameStride,
		DetectorTimeout:  DefaultDetectorTimeout,
		ProbeTimeout:     DefaultProbeTimeout,
		ConvertTimeout:   DefaultConvertTimeout,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.Port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.LogLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.DataDir = dd
	}

	cfg.DatabaseURL = os.Getenv(EnvDatabaseURL)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%s is required", EnvDatabaseURL)
	}

	cfg.JWTSecret = os.Getenv(EnvJWTSecret)
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s is required", EnvJWTSecret)
	}

	cfg.MinioEndpoint = os.Getenv(EnvMinioEndpoint)
	if cfg.MinioEndpoint == "" {
		return nil, fmt.Errorf("%s is required", EnvMinioEndpoint)
	}
	cfg.MinioAccessKey = os.Getenv(EnvMinioAccessKey)
	cfg.MinioSecretKey = os.Getenv(EnvMinioSecretKey)

	if ssl := os.Getenv(EnvMinioUseSSL); ssl != "" {
		useSSL, err := strconv.ParseBool(ssl)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvMinioUseSSL, err)
		}
		cfg.MinioUseSSL = useSSL
	}
	if b := os.Getenv(EnvMinioVideoBucket); b != "" {
		cfg.MinioVideoBucket = b
	}
	if b := os.Getenv(EnvMinioLogBucket); b != "" {
		cfg.MinioLogBucket = b
	}

	cfg.DetectorPython = os.Getenv(EnvDetectorPython)
	if dm := os.Getenv(EnvDetectorModule); dm != "" {
		cfg.DetectorModule = dm
	}

	return cfg, nil
}

// ScratchDir returns the base directory for per-invocation pipeline scratch space.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.DataDir, "scratch")
}

// UploadDir returns the directory for uploaded temp files awaiting processing.
func (c *Config) UploadDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
