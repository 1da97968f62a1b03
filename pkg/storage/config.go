package storage

import "time"

// Config holds connection settings for the control-plane backends.
type Config struct {
	// PostgreSQL
	DatabaseURL         string
	DatabaseReplicaURLs []string
	MaxConns            int
	MinConns            int
	Timeout             time.Duration
	MaxLifetime         time.Duration
	MaxIdleTime         time.Duration

	// Redis. Empty RedisURL disables it.
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Object storage for audit archives. Empty S3Bucket disables S3.
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// ArchiveDir is used for audit archives when no bucket is set.
	ArchiveDir string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConns:        20,
		MinConns:        2,
		Timeout:         10 * time.Second,
		MaxLifetime:     30 * time.Minute,
		MaxIdleTime:     5 * time.Minute,
		RedisDB:         0,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
		S3Region:        "us-east-1",
	}
}

// RedisEnabled reports whether a Redis URL is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// ObjectStoreEnabled reports whether audit archives go to S3.
func (c Config) ObjectStoreEnabled() bool {
	return c.S3Bucket != ""
}
