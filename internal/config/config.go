package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Scanner   ScannerConfig
	Webhook   WebhookConfig
	Worker    WorkerConfig
	Retention RetentionConfig
	Recovery  RecoveryConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration // Per-request handler timeout, /process excluded
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string

	SamplingEnabled   bool
	SamplingThreshold int
	SamplingRate      float64
	ErrorSamplingRate float64

	SkipHealthLogs     bool
	SlowRequestSeconds int
}

// AuthConfig configures bearer token verification for the scan API.
// Tokens are issued elsewhere; this service only verifies them.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	// TokenDuration only applies to tokens minted by scanctl for testing.
	TokenDuration time.Duration
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration

	// Per-user submission window, enforced in Redis across instances.
	SubmitLimit  int
	SubmitWindow time.Duration
}

// StorageConfig configures the S3-compatible result store.
type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint (MinIO, GCS interoperability)
	AuthType        string // default, keys, sts_role
	AccessKeyID     string
	SecretAccessKey string
	RoleARN         string
	ExternalID      string
	SignedURLTTL    time.Duration
	ReportsEnabled  bool
	ResultPrefix    string
}

// ScannerConfig holds binaries and bounds for every runner.
type ScannerConfig struct {
	NmapPath    string
	NmapTimeout time.Duration

	NiktoPath    string
	NiktoTimeout time.Duration

	ZAPPath    string
	ZAPTimeout time.Duration

	OpenVASCommand      string
	OpenVASTimeout      time.Duration
	OpenVASUseMock      bool
	OpenVASBillingUnits int
	OpenVASMaxOutput    int64

	MaxOutputBytes       int64
	AllowInternalTargets bool
	WorkDir              string
}

// WebhookConfig configures the completion notifier and the callback receiver.
type WebhookConfig struct {
	URL          string
	Secret       string
	SecretHeader string
	Timeout      time.Duration
}

// Enabled reports whether completion webhooks are delivered.
func (c *WebhookConfig) Enabled() bool {
	return c.URL != ""
}

// WorkerConfig configures the asynq dispatch worker and the /process endpoint.
type WorkerConfig struct {
	Enabled       bool
	Concurrency   int
	Token         string
	ProcessInline bool
	Queue         string
}

// RetentionConfig configures the periodic cleanup of old scans and artifacts.
type RetentionConfig struct {
	Enabled    bool
	Schedule   string
	CutoffDays int
	DryRun     bool
	DeleteAll  bool
	BatchSize  int
}

// RecoveryConfig configures the sweep for jobs whose worker was lost.
type RecoveryConfig struct {
	Enabled     bool
	Schedule    string
	Grace       time.Duration
	QueuedAfter time.Duration
	BatchSize   int
}

// Cutoff returns the creation time before which scans are eligible for cleanup.
func (c *RetentionConfig) Cutoff(now time.Time) time.Time {
	if c.DeleteAll {
		return time.Time{}
	}
	return now.AddDate(0, 0, -c.CutoffDays)
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "scanworker"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", getEnvInt("PORT", 8080)),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 20*time.Minute),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodySize:     getEnvInt64("SERVER_MAX_BODY_SIZE", 1<<20),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "scanworker"),
			Password:        getEnv("DB_PASSWORD", "secret"),
			Name:            getEnv("DB_NAME", "scanworker"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
		},
		Log: LogConfig{
			Level:              getEnv("LOG_LEVEL", "info"),
			Format:             getEnv("LOG_FORMAT", "json"),
			SamplingEnabled:    getEnvBool("LOG_SAMPLING_ENABLED", false),
			SamplingThreshold:  getEnvInt("LOG_SAMPLING_THRESHOLD", 100),
			SamplingRate:       getEnvFloat("LOG_SAMPLING_RATE", 0.1),
			ErrorSamplingRate:  getEnvFloat("LOG_ERROR_SAMPLING_RATE", 1.0),
			SkipHealthLogs:     getEnvBool("LOG_SKIP_HEALTH", true),
			SlowRequestSeconds: getEnvInt("LOG_SLOW_REQUEST_SECONDS", 5),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer:     getEnv("AUTH_JWT_ISSUER", ""),
			TokenDuration: getEnvDuration("AUTH_TOKEN_DURATION", time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerSec:  getEnvFloat("RATE_LIMIT_RPS", 20),
			Burst:           getEnvInt("RATE_LIMIT_BURST", 40),
			CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP", time.Minute),
			SubmitLimit:     getEnvInt("SCAN_SUBMIT_LIMIT", 10),
			SubmitWindow:    getEnvDuration("SCAN_SUBMIT_WINDOW", time.Minute),
		},
		Storage: StorageConfig{
			Bucket:          firstEnv("", "STORAGE_BUCKET", "GCP_BUCKET_NAME"),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:        getEnv("STORAGE_ENDPOINT", ""),
			AuthType:        getEnv("STORAGE_AUTH_TYPE", "default"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", ""),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", ""),
			RoleARN:         getEnv("STORAGE_ROLE_ARN", ""),
			ExternalID:      getEnv("STORAGE_EXTERNAL_ID", ""),
			SignedURLTTL:    getEnvDuration("STORAGE_SIGNED_URL_TTL", 7*24*time.Hour),
			ReportsEnabled:  getEnvBool("STORAGE_REPORTS_ENABLED", true),
			ResultPrefix:    getEnv("STORAGE_RESULT_PREFIX", "scan-results"),
		},
		Scanner: ScannerConfig{
			NmapPath:             getEnv("NMAP_PATH", "nmap"),
			NmapTimeout:          getEnvTimeout("NMAP_TIMEOUT", 240*time.Second),
			NiktoPath:            getEnv("NIKTO_PATH", "nikto"),
			NiktoTimeout:         getEnvTimeout("NIKTO_TIMEOUT", 10*time.Minute),
			ZAPPath:              getEnv("ZAP_PATH", "zap.sh"),
			ZAPTimeout:           getEnvTimeout("ZAP_TIMEOUT", 10*time.Minute),
			OpenVASCommand:       getEnv("OPENVAS_CMD", "openvas-wrapper"),
			OpenVASTimeout:       getEnvTimeout("OPENVAS_TIMEOUT", 15*time.Minute),
			OpenVASUseMock:       getEnvBool("OPENVAS_USE_MOCK", false),
			OpenVASBillingUnits:  getEnvInt("OPENVAS_BILLING_UNITS", 5),
			OpenVASMaxOutput:     getEnvInt64("OPENVAS_MAX_OUTPUT_BYTES", 20<<20),
			MaxOutputBytes:       getEnvInt64("SCANNER_MAX_OUTPUT_BYTES", 10<<20),
			AllowInternalTargets: getEnvBool("SCANNER_ALLOW_INTERNAL_TARGETS", false),
			WorkDir:              getEnv("SCANNER_WORK_DIR", os.TempDir()),
		},
		Webhook: WebhookConfig{
			URL:          firstEnv("", "WEBHOOK_URL", "VERCEL_WEBHOOK_URL"),
			Secret:       firstEnv("", "WEBHOOK_SECRET", "GCP_WEBHOOK_SECRET"),
			SecretHeader: getEnv("WEBHOOK_SECRET_HEADER", "X-Webhook-Signature"),
			Timeout:      getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			Enabled:       getEnvBool("WORKER_ENABLED", true),
			Concurrency:   getEnvInt("WORKER_CONCURRENCY", 4),
			Token:         getEnv("WORKER_TOKEN", ""),
			ProcessInline: getEnvBool("WORKER_PROCESS_INLINE", false),
			Queue:         getEnv("WORKER_QUEUE", "scans"),
		},
		Retention: RetentionConfig{
			Enabled:    getEnvBool("RETENTION_ENABLED", false),
			Schedule:   getEnv("RETENTION_SCHEDULE", "0 3 * * *"),
			CutoffDays: getEnvInt("RETENTION_CUTOFF_DAYS", 30),
			DryRun:     getEnvBool("RETENTION_DRY_RUN", true),
			DeleteAll:  getEnvBool("RETENTION_DELETE_ALL", false),
			BatchSize:  getEnvInt("RETENTION_BATCH_SIZE", 300),
		},
		Recovery: RecoveryConfig{
			Enabled:     getEnvBool("RECOVERY_ENABLED", true),
			Schedule:    getEnv("RECOVERY_SCHEDULE", "*/5 * * * *"),
			Grace:       getEnvDuration("RECOVERY_GRACE", 5*time.Minute),
			QueuedAfter: getEnvDuration("RECOVERY_QUEUED_AFTER", 15*time.Minute),
			BatchSize:   getEnvInt("RECOVERY_BATCH_SIZE", 100),
		},
	}

	// The original worker toggled mock mode with OPENVAS_CMD=mock.
	if strings.EqualFold(cfg.Scanner.OpenVASCommand, "mock") {
		cfg.Scanner.OpenVASUseMock = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

func (c *Config) validateBasic() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateScanner(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	header := c.Webhook.SecretHeader
	if !strings.EqualFold(header, "X-Webhook-Signature") && !strings.EqualFold(header, "X-Scanner-Webhook-Secret") {
		return fmt.Errorf("WEBHOOK_SECRET_HEADER must be X-Webhook-Signature or X-Scanner-Webhook-Secret, got %q", header)
	}
	return nil
}

func (c *Config) validateLog() error {
	if c.Log.Level != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "" && !slices.Contains([]string{"json", "text"}, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}
	if c.Log.SamplingRate < 0.0 || c.Log.SamplingRate > 1.0 {
		return fmt.Errorf("LOG_SAMPLING_RATE must be between 0.0 and 1.0, got %f", c.Log.SamplingRate)
	}
	if c.Log.ErrorSamplingRate < 0.0 || c.Log.ErrorSamplingRate > 1.0 {
		return fmt.Errorf("LOG_ERROR_SAMPLING_RATE must be between 0.0 and 1.0, got %f", c.Log.ErrorSamplingRate)
	}
	if c.Log.SamplingThreshold < 0 {
		return fmt.Errorf("LOG_SAMPLING_THRESHOLD must be non-negative, got %d", c.Log.SamplingThreshold)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.AuthType {
	case "default", "":
	case "keys":
		if c.Storage.AccessKeyID == "" || c.Storage.SecretAccessKey == "" {
			return fmt.Errorf("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required for auth type keys")
		}
	case "sts_role":
		if c.Storage.RoleARN == "" {
			return fmt.Errorf("STORAGE_ROLE_ARN is required for auth type sts_role")
		}
	default:
		return fmt.Errorf("invalid STORAGE_AUTH_TYPE: %s (must be default, keys, or sts_role)", c.Storage.AuthType)
	}
	if c.Storage.SignedURLTTL <= 0 || c.Storage.SignedURLTTL > 7*24*time.Hour {
		return fmt.Errorf("STORAGE_SIGNED_URL_TTL must be between 0 and 168h, got %s", c.Storage.SignedURLTTL)
	}
	return nil
}

func (c *Config) validateScanner() error {
	for name, d := range map[string]time.Duration{
		"NMAP_TIMEOUT":    c.Scanner.NmapTimeout,
		"NIKTO_TIMEOUT":   c.Scanner.NiktoTimeout,
		"ZAP_TIMEOUT":     c.Scanner.ZAPTimeout,
		"OPENVAS_TIMEOUT": c.Scanner.OpenVASTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Scanner.MaxOutputBytes <= 0 || c.Scanner.OpenVASMaxOutput <= 0 {
		return fmt.Errorf("scanner output limits must be positive")
	}
	if c.Scanner.OpenVASBillingUnits < 1 {
		return fmt.Errorf("OPENVAS_BILLING_UNITS must be at least 1, got %d", c.Scanner.OpenVASBillingUnits)
	}
	return nil
}

func (c *Config) validateRetention() error {
	if !c.Retention.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid RETENTION_SCHEDULE %q: %w", c.Retention.Schedule, err)
	}
	if c.Retention.CutoffDays < 1 {
		return fmt.Errorf("RETENTION_CUTOFF_DAYS must be at least 1, got %d", c.Retention.CutoffDays)
	}
	return nil
}

func (c *Config) validateRecovery() error {
	if !c.Recovery.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(c.Recovery.Schedule); err != nil {
		return fmt.Errorf("invalid RECOVERY_SCHEDULE %q: %w", c.Recovery.Schedule, err)
	}
	if c.Recovery.Grace <= 0 {
		return fmt.Errorf("RECOVERY_GRACE must be positive, got %s", c.Recovery.Grace)
	}
	if c.Recovery.QueuedAfter <= 0 {
		return fmt.Errorf("RECOVERY_QUEUED_AFTER must be positive, got %s", c.Recovery.QueuedAfter)
	}
	return nil
}

func (c *Config) validateProduction() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters in production")
	}
	if c.Webhook.Enabled() && c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set in production")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("STORAGE_BUCKET is required in production")
	}
	if c.Worker.Token == "" {
		return fmt.Errorf("WORKER_TOKEN is required in production")
	}
	if strings.EqualFold(c.Log.Level, "debug") {
		return fmt.Errorf("LOG_LEVEL=debug is not allowed in production")
	}
	if c.Scanner.OpenVASUseMock {
		return fmt.Errorf("OPENVAS_USE_MOCK must be disabled in production")
	}
	if c.Scanner.AllowInternalTargets {
		return fmt.Errorf("SCANNER_ALLOW_INTERNAL_TARGETS must be disabled in production")
	}
	return c.validateProductionRedis()
}

func (c *Config) validateProductionRedis() error {
	if c.Redis.Password == "" {
		return fmt.Errorf("redis password must be set in production")
	}
	if c.Redis.TLSSkipVerify {
		return fmt.Errorf("redis TLS skip verify must be false in production")
	}
	if c.Redis.MaxRetries < 1 || c.Redis.MaxRetries > 10 {
		return fmt.Errorf("redis max retries must be between 1 and 10, got %d", c.Redis.MaxRetries)
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// firstEnv returns the first non-empty variable among keys.
func firstEnv(defaultValue string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvTimeout reads key as a duration, falling back to key+"_MS" in
// milliseconds as the older deployments set it.
func getEnvTimeout(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		return getEnvDuration(key, defaultValue)
	}
	if ms := getEnvInt64(key+"_MS", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
