package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string
	Environment string
	Release     string

	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	RedisURL      string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	TokenIssuer        string
	BcryptCost         int

	CookieSecure bool
	CookieDomain string

	CloudinaryURL    string
	CloudinaryFolder string
	SentryDSN        string

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	TrustedProxyHops     int

	CronSecret       string
	CleanupBatchSize int
}

// LoadConfig reads the process environment. Missing required values are
// reported as "missing required env: NAME".
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:        envOrDefault("PORT", "8080"),
		Environment: envOrDefault("APP_ENV", "development"),
		Release:     strings.TrimSpace(os.Getenv("APP_RELEASE")),

		StoreDriver:   strings.ToLower(envOrDefault("STORE_DRIVER", DriverPostgres)),
		MongoDatabase: envOrDefault("MONGO_DATABASE", "account_service"),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),

		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),

		AccessTokenTTL:  envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTL: envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 240),
		TokenIssuer:     envOrDefault("TOKEN_ISSUER", "account-service"),
		BcryptCost:      envIntOrDefault("BCRYPT_COST", bcrypt.DefaultCost),

		CookieSecure: EnvBoolOrDefault("COOKIE_SECURE", true),
		CookieDomain: strings.TrimSpace(os.Getenv("COOKIE_DOMAIN")),

		CloudinaryFolder: strings.TrimSpace(os.Getenv("CLOUDINARY_FOLDER")),
		SentryDSN:        strings.TrimSpace(os.Getenv("SENTRY_DSN")),

		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		TrustedProxyHops:     envIntOrDefault("TRUSTED_PROXY_HOPS", 0),

		CronSecret:       strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupBatchSize: envIntOrDefault("SESSION_CLEANUP_BATCH_SIZE", 500),
	}

	var err error
	if cfg.AccessTokenSecret, err = mustEnv("ACCESS_TOKEN_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenSecret, err = mustEnv("REFRESH_TOKEN_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.CloudinaryURL, err = mustEnv("CLOUDINARY_URL"); err != nil {
		return Config{}, err
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL, err = mustEnv("DATABASE_URL"); err != nil {
			return Config{}, err
		}
	case DriverMongo:
		if cfg.MongoURI, err = mustEnv("MONGO_URI"); err != nil {
			return Config{}, err
		}
	case DriverMemory:
	default:
		return Config{}, fmt.Errorf("unsupported STORE_DRIVER: %s", cfg.StoreDriver)
	}

	return cfg, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
