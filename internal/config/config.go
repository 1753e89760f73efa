package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                      string
	AppEnv                    string
	AllowedOrigin             string
	DatabaseURL               string
	DBAutoMigrate             bool
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int
	SaleCacheTTLSeconds       int
	AuthSecret                string
	AccessTokenTTLMinutes     int
	RateLimitPerMinute        int
	OutboxPollIntervalSeconds int
	OutboxBatchSize           int
	OutboxMaxAttempts         int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	autoMigrate, err := strconv.ParseBool(getEnv("DB_AUTO_MIGRATE", "false"))
	if err != nil {
		autoMigrate = false
	}

	cfg := Config{
		Port:                      getEnv("PORT", "8080"),
		AppEnv:                    strings.ToLower(getEnv("APP_ENV", "production")),
		AllowedOrigin:             getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		DBAutoMigrate:             autoMigrate,
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   redisDB,
		SaleCacheTTLSeconds:       getPositiveInt("SALE_CACHE_TTL_SECONDS", 60),
		AuthSecret:                strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:     getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		RateLimitPerMinute:        getPositiveInt("RATE_LIMIT_PER_MINUTE", 100),
		OutboxPollIntervalSeconds: getPositiveInt("OUTBOX_POLL_INTERVAL_SECONDS", 5),
		OutboxBatchSize:           getPositiveInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxAttempts:         getPositiveInt("OUTBOX_MAX_ATTEMPTS", 8),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Development() bool {
	return c.AppEnv == "development"
}

func (c Config) SaleCacheTTL() time.Duration {
	return time.Duration(c.SaleCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getPositiveInt falls back on missing, malformed or non-positive values.
func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(strings.TrimSpace(getEnv(key, strconv.Itoa(fallback))))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
