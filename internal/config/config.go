// Package config loads the gateway settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yourorg/payment-gateway/internal/ratelimit"
	"github.com/yourorg/payment-gateway/internal/store"
)

const tierPrefix = "RATE_LIMIT_TIER_"

// Config holds every setting the server reads at startup. Fields are filled
// from the variable named in their env tag.
type Config struct {
	ServerAddr  string `env:"SERVER_ADDR" default:":8080"`
	ServiceName string `env:"SERVICE_NAME" default:"payment-gateway"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`

	RedisAddr     string `env:"REDIS_ADDR" required:"true"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	DBDriver   string `env:"DB_DRIVER" default:"memory"`
	DBHost     string `env:"DB_HOST"`
	DBPort     string `env:"DB_PORT" default:"3306"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" default:"payments.audit"`

	StripeAPIKey  string `env:"STRIPE_API_KEY"`
	StripeBaseURL string `env:"STRIPE_BASE_URL" default:"https://api.stripe.com/v1"`
	PayPalAPIKey  string `env:"PAYPAL_API_KEY"`
	PayPalBaseURL string `env:"PAYPAL_BASE_URL" default:"https://api-m.paypal.com"`

	RateLimitFailureMode string `env:"RATE_LIMIT_FAILURE_MODE" default:"open"`
	APIKeys              string `env:"API_KEYS" required:"true"`
	PaymentRules         string `env:"PAYMENT_RULES"`
	ContractSchemaPath   string `env:"CONTRACT_SCHEMA_PATH"`

	ProviderTimeoutMS int `env:"PROVIDER_TIMEOUT_MS" default:"10000"`
	IdempotencyWaitMS int `env:"IDEMPOTENCY_WAIT_MS" default:"2000"`

	// Tiers starts from ratelimit.DefaultTiers and applies RATE_LIMIT_TIER_<TIER>.
	Tiers ratelimit.Tiers `env:"-"`
}

// Load reads the given .env files (".env" when none are named) into the
// process environment without overriding it, then parses the environment.
// A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load env file: %w", err)
		}
		slog.Debug("no .env file found, using process environment")
	}
	return Parse(environ())
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Parse builds a Config from env. Every missing required key and every
// malformed value is reported in one error.
func Parse(env map[string]string) (*Config, error) {
	cfg := &Config{}
	var (
		missing []string
		errs    []error
	)

	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("env")
		if name == "" || name == "-" {
			continue
		}
		raw, ok := env[name]
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			if f.Tag.Get("required") == "true" {
				missing = append(missing, name)
				continue
			}
			raw = f.Tag.Get("default")
			if raw == "" {
				continue
			}
		}

		field := v.Field(i)
		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", name, raw))
				continue
			}
			field.SetInt(int64(n))
		}
	}

	if cfg.DBDriver == "mysql" {
		for name, val := range map[string]string{"DB_HOST": cfg.DBHost, "DB_USER": cfg.DBUser, "DB_NAME": cfg.DBName} {
			if val == "" {
				missing = append(missing, name)
			}
		}
	} else if cfg.DBDriver != "memory" {
		errs = append(errs, fmt.Errorf("DB_DRIVER: %q must be mysql or memory", cfg.DBDriver))
	}

	if _, err := ratelimit.ParseFailureMode(cfg.RateLimitFailureMode); err != nil {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_FAILURE_MODE: %w", err))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %q is not a log level", cfg.LogLevel))
	}
	if cfg.ProviderTimeoutMS <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT_MS: must be positive"))
	}
	if cfg.IdempotencyWaitMS < 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_WAIT_MS: must not be negative"))
	}

	cfg.Tiers = ratelimit.DefaultTiers()
	for k, raw := range env {
		if !strings.HasPrefix(k, tierPrefix) {
			continue
		}
		tier := strings.ToLower(strings.TrimPrefix(k, tierPrefix))
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 || tier == "" {
			errs = append(errs, fmt.Errorf("%s: %q must be a positive integer", k, raw))
			continue
		}
		cfg.Tiers[tier] = n
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append([]error{fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))}, errs...)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Level returns the configured slog level. Parse has already validated it.
func (c *Config) Level() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel))
	return level
}

// FailureMode returns the limiter's behavior when Redis is unavailable.
func (c *Config) FailureMode() ratelimit.FailureMode {
	m, _ := ratelimit.ParseFailureMode(c.RateLimitFailureMode)
	return m
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMS) * time.Millisecond
}

func (c *Config) IdempotencyWait() time.Duration {
	return time.Duration(c.IdempotencyWaitMS) * time.Millisecond
}

// MySQL returns the database settings for store.OpenMySQL.
func (c *Config) MySQL() store.MySQLConfig {
	return store.MySQLConfig{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Name:     c.DBName,
	}
}
