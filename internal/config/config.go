package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	DefaultBranchID      string        `envconfig:"DEFAULT_BRANCH_ID" default:"main-branch"`
	RecipeCacheTTL       time.Duration `envconfig:"RECIPE_CACHE_TTL" default:"5m"`
	OrderLockTTL         time.Duration `envconfig:"ORDER_LOCK_TTL" default:"30s"`
	PreflightConcurrency int           `envconfig:"PREFLIGHT_CONCURRENCY" default:"8"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`

	LogFormat    string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	AlertChannel string `envconfig:"ALERT_CHANNEL" default:"brewline:stock-alerts"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.DefaultBranchID = strings.TrimSpace(cfg.DefaultBranchID)

	if cfg.DefaultBranchID == "" {
		return Config{}, fmt.Errorf("DEFAULT_BRANCH_ID must not be blank")
	}
	if cfg.RecipeCacheTTL <= 0 {
		cfg.RecipeCacheTTL = 5 * time.Minute
	}
	if cfg.OrderLockTTL <= 0 {
		cfg.OrderLockTTL = 30 * time.Second
	}
	if cfg.PreflightConcurrency < 1 {
		cfg.PreflightConcurrency = 1
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 8 * time.Hour
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
