package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	Server      ServerConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Audit       AuditConfig
	Email       EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string // CIDR ranges allowed to set X-Forwarded-For
}

type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	CleanupInterval    time.Duration
	MFAIssuer          string
}

type RateLimitConfig struct {
	LoginMaxFailures int           // failed logins per IP before blocking
	LoginWindow      time.Duration // sliding window for the failure counter
	EdgePerMinute    int           // coarse per-IP limit on register/refresh
}

type IdempotencyConfig struct {
	TTL            time.Duration // how long cached responses are replayed
	PendingTimeout time.Duration // how long a claim may sit unfilled
	MaxBodyBytes   int64         // largest response body worth caching
}

type AuditConfig struct {
	RetentionDays int
}

type EmailConfig struct {
	AWSRegion           string
	FromAddress         string
	VerificationURLBase string
	TokenExpiryHours    int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "gatekeeper"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: parseCSV(getEnv("TRUSTED_PROXIES", "127.0.0.0/8,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16")),
		},
		Auth: AuthConfig{
			JWTSecret:          jwtSecret,
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			CleanupInterval:    getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			MFAIssuer:          getEnv("MFA_ISSUER", "AutoGraph"),
		},
		RateLimit: RateLimitConfig{
			LoginMaxFailures: getEnvAsInt("LOGIN_MAX_FAILURES", 5),
			LoginWindow:      getEnvAsDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute),
			EdgePerMinute:    getEnvAsInt("EDGE_REQUESTS_PER_MINUTE", 30),
		},
		Idempotency: IdempotencyConfig{
			TTL:            getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			PendingTimeout: getEnvAsDuration("IDEMPOTENCY_PENDING_TIMEOUT", 30*time.Second),
			MaxBodyBytes:   int64(getEnvAsInt("IDEMPOTENCY_MAX_BODY_BYTES", 1<<20)),
		},
		Audit: AuditConfig{
			RetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 365),
		},
		Email: EmailConfig{
			AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
			FromAddress:         getEnv("EMAIL_FROM_ADDRESS", "no-reply@autograph.example.com"),
			VerificationURLBase: getEnv("EMAIL_VERIFICATION_URL_BASE", "http://localhost:3000/verify-email"),
			TokenExpiryHours:    getEnvAsInt("EMAIL_TOKEN_EXPIRY_HOURS", 24),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.RateLimit.LoginMaxFailures < 1 {
		return nil, fmt.Errorf("LOGIN_MAX_FAILURES must be at least 1")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for the JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{} // Default to no origins in production
		}
		return parseCSV(originsStr)
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
