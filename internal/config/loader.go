package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MALCARE_"

// Load builds a Config by layering, low to high precedence:
//  1. defaults (New)
//  2. YAML file named by MALCARE_CONFIG
//  3. MALCARE_* environment variables
//
// A .env file (or MALCARE_ENV_FILE) is loaded into the process environment
// first; variables already set win over it.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// MALCARE_DATABASE_DSN -> database_dsn
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *New()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv() error {
	path := os.Getenv(envPrefix + "ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite":
		return invalid("database_driver %q is not supported", c.DatabaseDriver)
	case c.DatabaseDSN == "":
		return invalid("database_dsn must not be empty")
	case c.DefaultEncoding != "raw" && c.DefaultEncoding != "tensor":
		return invalid("default_encoding %q is not supported", c.DefaultEncoding)
	case c.StageThreshold < 0 || c.StageThreshold > 1:
		return invalid("stage_threshold must be within [0,1]")
	case c.RewardMin < 0 || c.RewardMax < c.RewardMin:
		return invalid("reward range [%v,%v] is invalid", c.RewardMin, c.RewardMax)
	case c.InferenceDialTimeout <= 0 || c.InferenceCallTimeout <= 0 || c.PayoutTimeout <= 0 || c.KafkaPublishTimeout <= 0:
		return invalid("timeouts must be positive")
	case c.PayoutLatency < 0:
		return invalid("payout_latency must not be negative")
	case c.JWTSecret == "":
		return invalid("jwt_secret must not be empty")
	case c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst < 1):
		return invalid("rate limit settings are invalid")
	}

	switch c.Settler {
	case "mock":
	case "stripe":
		if c.StripeAPIKey == "" {
			return invalid("stripe_api_key is required for the stripe settler")
		}
		if c.StripeUnitScale <= 0 {
			return invalid("stripe_unit_scale must be positive")
		}
	default:
		return invalid("settler %q is not supported", c.Settler)
	}
	return nil
}
