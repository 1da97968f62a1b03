package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/storage/postgres"
)

// MinJWTSecretLength is the shortest accepted signing secret, in bytes.
const MinJWTSecretLength = 32

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Auth          AuthConfig
	Tenants       TenantsConfig
	SSO           SSOConfig
	Permissions   PermissionsConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string
	AllowedOrigins  []string
	CookieSecure    bool
	CookieDomain    string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig holds token and local-credential settings.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration
	InviteTTL time.Duration
	ResetTTL  time.Duration

	// Per-IP limits on login, setup and password reset.
	LoginRatePerMinute int
	LoginBurst         int
}

// TenantsConfig holds tenant database server settings.
type TenantsConfig struct {
	AdminURL       string
	Host           string
	Port           int
	MaxConnections int
	ConnectTimeout time.Duration
}

// SSOConfig holds federation gateway and reconciler settings.
type SSOConfig struct {
	HTTPTimeout     time.Duration
	SyncConcurrency int
	DirectoryRPS    float64
	// SyncSchedule is a cron spec for the worker. Empty disables scheduled sync.
	SyncSchedule string
	AppRoot      string
}

// PermissionsConfig holds applet manifest settings.
type PermissionsConfig struct {
	// Dir holds YAML manifests layered over the built-ins. Empty disables it.
	Dir       string
	CacheSize int
}

// AuditConfig holds audit sink and retention settings.
type AuditConfig struct {
	QueueSize         int
	RetentionDays     int
	RetentionSchedule string
	ArchivePrefix     string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Auth:          loadAuthConfig(),
		Tenants:       loadTenantsConfig(),
		SSO:           loadSSOConfig(),
		Permissions:   loadPermissionsConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TENANTGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TENANTGATE_PORT", "8080"),
		BaseURL:         strings.TrimRight(getEnv("TENANTGATE_BASE_URL", "http://localhost:8080"), "/"),
		AllowedOrigins:  getEnvList("TENANTGATE_ALLOWED_ORIGINS"),
		CookieSecure:    getEnvBool("TENANTGATE_COOKIE_SECURE", true),
		CookieDomain:    getEnv("TENANTGATE_COOKIE_DOMAIN", ""),
		ReadTimeout:     getEnvDuration("TENANTGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TENANTGATE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("TENANTGATE_IDLE_TIMEOUT", 60*time.Second),
		RequestTimeout:  getEnvDuration("TENANTGATE_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("TENANTGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.DatabaseURL = getEnv("TENANTGATE_DATABASE_URL", "")
	cfg.DatabaseReplicaURLs = postgres.ParseReplicaURLs(getEnv("TENANTGATE_DATABASE_REPLICA_URLS", ""))
	if maxConns := getEnvInt("TENANTGATE_DB_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("TENANTGATE_DB_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("TENANTGATE_DB_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	cfg.RedisURL = getEnv("TENANTGATE_REDIS_URL", "")
	cfg.RedisPassword = getEnv("TENANTGATE_REDIS_PASSWORD", "")
	if redisDB := getEnvInt("TENANTGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("TENANTGATE_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	cfg.S3Endpoint = getEnv("TENANTGATE_S3_ENDPOINT", "")
	cfg.S3Region = getEnv("TENANTGATE_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("TENANTGATE_AUDIT_ARCHIVE_BUCKET", "")
	cfg.S3AccessKey = getEnv("TENANTGATE_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("TENANTGATE_S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("TENANTGATE_S3_USE_PATH_STYLE", false)
	cfg.ArchiveDir = getEnv("TENANTGATE_AUDIT_ARCHIVE_DIR", "")

	return cfg
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:          getEnv("TENANTGATE_JWT_SECRET", ""),
		JWTIssuer:          getEnv("TENANTGATE_JWT_ISSUER", "tenantgate"),
		TokenTTL:           getEnvDuration("TENANTGATE_TOKEN_TTL", 24*time.Hour),
		InviteTTL:          getEnvDuration("TENANTGATE_INVITE_TTL", 7*24*time.Hour),
		ResetTTL:           getEnvDuration("TENANTGATE_RESET_TTL", time.Hour),
		LoginRatePerMinute: getEnvInt("TENANTGATE_LOGIN_RATE_PER_MINUTE", 20),
		LoginBurst:         getEnvInt("TENANTGATE_LOGIN_BURST", 5),
	}
}

func loadTenantsConfig() TenantsConfig {
	return TenantsConfig{
		AdminURL:       getEnv("TENANTGATE_TENANT_DB_ADMIN_URL", getEnv("TENANTGATE_DATABASE_URL", "")),
		Host:           getEnv("TENANTGATE_TENANT_DB_HOST", ""),
		Port:           getEnvInt("TENANTGATE_TENANT_DB_PORT", 0),
		MaxConnections: getEnvInt("TENANTGATE_TENANT_MAX_CONNECTIONS", 4),
		ConnectTimeout: getEnvDuration("TENANTGATE_TENANT_CONNECT_TIMEOUT", 10*time.Second),
	}
}

func loadSSOConfig() SSOConfig {
	return SSOConfig{
		HTTPTimeout:     getEnvDuration("TENANTGATE_SSO_HTTP_TIMEOUT", 15*time.Second),
		SyncConcurrency: getEnvInt("TENANTGATE_SSO_SYNC_CONCURRENCY", 8),
		DirectoryRPS:    getEnvFloat("TENANTGATE_SSO_DIRECTORY_RPS", 10),
		SyncSchedule:    getEnv("TENANTGATE_SSO_SYNC_SCHEDULE", ""),
		AppRoot:         getEnv("TENANTGATE_APP_ROOT", "/"),
	}
}

func loadPermissionsConfig() PermissionsConfig {
	return PermissionsConfig{
		Dir:       getEnv("TENANTGATE_PERMISSIONS_DIR", ""),
		CacheSize: getEnvInt("TENANTGATE_PERMISSIONS_CACHE_SIZE", 512),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		QueueSize:         getEnvInt("TENANTGATE_AUDIT_QUEUE_SIZE", 1024),
		RetentionDays:     getEnvInt("TENANTGATE_AUDIT_RETENTION_DAYS", 90),
		RetentionSchedule: getEnv("TENANTGATE_AUDIT_RETENTION_SCHEDULE", "0 3 * * *"),
		ArchivePrefix:     getEnv("TENANTGATE_AUDIT_ARCHIVE_PREFIX", "audit"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TENANTGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TENANTGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TENANTGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TENANTGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TENANTGATE_OTEL_SERVICE_NAME", "tenantgate"),
		OTelServiceVersion: getEnv("TENANTGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TENANTGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TENANTGATE_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL must be an absolute URL")
	}

	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("JWT secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}

	if c.Tenants.MaxConnections <= 0 {
		return fmt.Errorf("tenant max connections must be positive")
	}

	if c.SSO.SyncConcurrency <= 0 {
		return fmt.Errorf("SSO sync concurrency must be positive")
	}
	if c.SSO.HTTPTimeout <= 0 {
		return fmt.Errorf("SSO HTTP timeout must be positive")
	}
	// The worker and the API both run directory syncs; only Redis locks across processes.
	if c.SSO.SyncSchedule != "" && c.Storage.RedisURL == "" {
		return fmt.Errorf("scheduled SSO sync requires TENANTGATE_REDIS_URL for the shared run lock")
	}

	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
