package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config validation errors.
var (
	ErrInvalidListenAddr      = errors.New("listen_addr cannot be empty")
	ErrInvalidEmbedderURL     = errors.New("embedder_url cannot be empty")
	ErrInvalidEmbedderModel   = errors.New("embedder_model cannot be empty")
	ErrInvalidEmbedderTimeout = errors.New("embedder_timeout must be positive")
	ErrInvalidEmbeddingDim    = errors.New("embedding_dim must be positive")
	ErrInvalidThreshold       = errors.New("thresholds must be within [0, 1]")
	ErrThresholdOrder         = errors.New("review_threshold cannot exceed high_confidence_threshold")
	ErrInvalidMaxDistance     = errors.New("max_distance_km must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown_timeout must be positive")
	ErrInvalidLogLevel        = errors.New("log_level must be debug, info, warn, or error")
)

// Config holds every runtime setting, sourced from MUZZLE_* environment variables.
// DatabaseDSN and RedisAddr are optional: when empty the service runs memory-only
// and without the embedding cache respectively.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	EmbedderURL     string        `envconfig:"EMBEDDER_URL" default:"http://tf-serving:8501"`
	EmbedderModel   string        `envconfig:"EMBEDDER_MODEL" default:"muzzle_resnet50"`
	EmbedderTimeout time.Duration `envconfig:"EMBEDDER_TIMEOUT" default:"30s"`
	EmbeddingDim    int           `envconfig:"EMBEDDING_DIM" default:"2048"`

	DatabaseDSN string `envconfig:"DATABASE_DSN"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`

	EmbeddingCacheTTL time.Duration `envconfig:"EMBEDDING_CACHE_TTL" default:"10m"`
	ResultCacheTTL    time.Duration `envconfig:"RESULT_CACHE_TTL" default:"5m"`

	ReviewThreshold         float64 `envconfig:"REVIEW_THRESHOLD" default:"0.75"`
	HighConfidenceThreshold float64 `envconfig:"HIGH_CONFIDENCE_THRESHOLD" default:"0.85"`
	VerifyThreshold         float64 `envconfig:"VERIFY_THRESHOLD" default:"0.85"`
	MaxDistanceKm           float64 `envconfig:"MAX_DISTANCE_KM" default:"5"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the optional .env file, then the MUZZLE_* environment variables,
// and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("MUZZLE", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and returns the first violation found.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if c.EmbedderURL == "" {
		return ErrInvalidEmbedderURL
	}
	if c.EmbedderModel == "" {
		return ErrInvalidEmbedderModel
	}
	if c.EmbedderTimeout <= 0 {
		return ErrInvalidEmbedderTimeout
	}
	if c.EmbeddingDim <= 0 {
		return ErrInvalidEmbeddingDim
	}
	for _, threshold := range []float64{c.ReviewThreshold, c.HighConfidenceThreshold, c.VerifyThreshold} {
		if threshold < 0 || threshold > 1 {
			return ErrInvalidThreshold
		}
	}
	if c.ReviewThreshold > c.HighConfidenceThreshold {
		return ErrThresholdOrder
	}
	if c.MaxDistanceKm <= 0 {
		return ErrInvalidMaxDistance
	}
	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}
	if c.LogLevel != "debug" && c.LogLevel != "info" && c.LogLevel != "warn" && c.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}

// CacheEnabled reports whether a Redis cache should be wired in.
func (c *Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

// PersistenceEnabled reports whether a durable store should be wired in.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseDSN != ""
}
