// Package config loads service configuration from defaults, an optional
// YAML file and MALCARE_ environment variables.
package config

import (
	"time"
)

// Config contains process configuration.
type Config struct {
	// Env is "local" for developer machines; anything else is treated as a
	// deployed environment.
	Env      string `koanf:"env"`
	LogLevel string `koanf:"log_level"`

	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	DatabaseDriver string `koanf:"database_driver"`
	DatabaseDSN    string `koanf:"database_dsn"`

	// RedisAddr empty selects the in-process cache.
	RedisAddr       string        `koanf:"redis_addr"`
	HistoryCacheTTL time.Duration `koanf:"history_cache_ttl"`

	// InferenceAddr empty selects a default based on Env.
	InferenceAddr        string        `koanf:"inference_addr"`
	InferenceDialTimeout time.Duration `koanf:"inference_dial_timeout"`
	InferenceCallTimeout time.Duration `koanf:"inference_call_timeout"`

	DefaultEncoding string  `koanf:"default_encoding"`
	StageThreshold  float64 `koanf:"stage_threshold"`

	RewardMin float64 `koanf:"reward_min"`
	RewardMax float64 `koanf:"reward_max"`

	// Settler is "mock" or "stripe".
	Settler         string        `koanf:"settler"`
	PayoutLatency   time.Duration `koanf:"payout_latency"`
	PayoutTimeout   time.Duration `koanf:"payout_timeout"`
	StripeAPIKey    string        `koanf:"stripe_api_key"`
	StripeCurrency  string        `koanf:"stripe_currency"`
	StripeUnitScale int64         `koanf:"stripe_unit_scale"`

	// KafkaBrokers empty disables event publishing.
	KafkaBrokers        []string      `koanf:"kafka_brokers"`
	KafkaTopic          string        `koanf:"kafka_topic"`
	KafkaPublishTimeout time.Duration `koanf:"kafka_publish_timeout"`

	JWTSecret   string `koanf:"jwt_secret"`
	JWTAudience string `koanf:"jwt_audience"`

	// RateLimitRPS zero disables the submission limiter.
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`

	TraceExporter    string  `koanf:"trace_exporter"`
	TraceEndpoint    string  `koanf:"trace_endpoint"`
	TraceInsecure    bool    `koanf:"trace_insecure"`
	TraceSampleRatio float64 `koanf:"trace_sample_ratio"`
}

// Default inference addresses per environment.
const (
	LocalInferenceAddr  = "localhost:50051"
	RemoteInferenceAddr = "inference:50051"
)

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Env:                  "local",
		LogLevel:             "info",
		Addr:                 ":8080",
		ShutdownTimeout:      15 * time.Second,
		DatabaseDriver:       "sqlite",
		DatabaseDSN:          "file:malcare.db?cache=shared",
		HistoryCacheTTL:      5 * time.Minute,
		InferenceDialTimeout: 5 * time.Second,
		InferenceCallTimeout: 30 * time.Second,
		DefaultEncoding:      "raw",
		StageThreshold:       0.5,
		RewardMin:            0.05,
		RewardMax:            0.10,
		Settler:              "mock",
		PayoutLatency:        2 * time.Second,
		PayoutTimeout:        30 * time.Second,
		StripeCurrency:       "usd",
		StripeUnitScale:      100,
		KafkaTopic:           "malcare.predictions",
		KafkaPublishTimeout:  2 * time.Second,
		JWTSecret:            "dev-secret",
		RateLimitRPS:         2,
		RateLimitBurst:       5,
		TraceSampleRatio:     1,
	}
}

// IsLocal reports whether the service runs on a developer machine.
func (c *Config) IsLocal() bool {
	return c.Env == "local"
}

// ResolvedInferenceAddr returns the configured inference address or the
// environment default.
func (c *Config) ResolvedInferenceAddr() string {
	if c.InferenceAddr != "" {
		return c.InferenceAddr
	}
	if c.IsLocal() {
		return LocalInferenceAddr
	}
	return RemoteInferenceAddr
}
