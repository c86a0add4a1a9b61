package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from LISTINGSYNC_* environment variables
type Config struct {
	Addr            string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// WebhookSecret may be empty; the webhook endpoint then rejects every delivery
	WebhookSecret  string
	PlanID         string   `validate:"required"`
	Products       []string `validate:"required,min=1,dive,required"`
	OneOffProducts []string `validate:"dive,required"`
	// FarFutureYears is capped so the offset fits in a time.Duration
	FarFutureYears int      `validate:"gte=1,lte=290"`

	// RevenueCatAPIKey enables the sync command; webhooks do not need it
	RevenueCatAPIKey string
	RevenueCatAPIURL string `validate:"omitempty,url"`

	// RateLimit is webhook requests per minute per client IP; 0 disables limiting
	RateLimit int `validate:"gte=0"`

	Storage             string `validate:"oneof=memory sqlite postgres"`
	SQLitePath          string `validate:"required_if=Storage sqlite"`
	PostgresDSN         string `validate:"required_if=Storage postgres"`
	PostgresAutoMigrate bool

	RevokePolicy string `validate:"oneof=none hide-live"`

	// CBThreshold is the consecutive storage failures that open the breaker; 0 disables it
	CBThreshold int           `validate:"gte=0"`
	CBReset     time.Duration `validate:"gte=0"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

// defaultConfig returns the values used for unset variables
func defaultConfig() Config {
	return Config{
		Addr:                ":8080",
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        15 * time.Second,
		IdleTimeout:         60 * time.Second,
		ShutdownTimeout:     20 * time.Second,
		FarFutureYears:      100,
		RateLimit:           100,
		Storage:             "sqlite",
		SQLitePath:          "data/listingsync.db",
		PostgresAutoMigrate: true,
		RevokePolicy:        "none",
		CBReset:             30 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// LoadConfig reads an optional .env file and then the environment.
// Variables already set in the environment win over the file.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}
	return configFromEnv(os.LookupEnv)
}

func configFromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaultConfig()
	env := envReader{lookup: lookup}

	cfg.Addr = env.str("LISTINGSYNC_ADDR", cfg.Addr)
	cfg.ReadTimeout = env.duration("LISTINGSYNC_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = env.duration("LISTINGSYNC_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = env.duration("LISTINGSYNC_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = env.duration("LISTINGSYNC_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.WebhookSecret = env.str("LISTINGSYNC_WEBHOOK_SECRET", "")
	cfg.PlanID = env.str("LISTINGSYNC_PLAN_ID", "")
	cfg.Products = env.list("LISTINGSYNC_PRODUCTS")
	cfg.OneOffProducts = env.list("LISTINGSYNC_ONE_OFF_PRODUCTS")
	cfg.FarFutureYears = env.integer("LISTINGSYNC_FAR_FUTURE_YEARS", cfg.FarFutureYears)
	cfg.RateLimit = env.integer("LISTINGSYNC_RATE_LIMIT", cfg.RateLimit)
	cfg.RevenueCatAPIKey = env.str("LISTINGSYNC_REVENUECAT_API_KEY", "")
	cfg.RevenueCatAPIURL = env.str("LISTINGSYNC_REVENUECAT_API_URL", "")

	cfg.Storage = strings.ToLower(env.str("LISTINGSYNC_STORAGE", cfg.Storage))
	cfg.SQLitePath = env.str("LISTINGSYNC_SQLITE_PATH", cfg.SQLitePath)
	cfg.PostgresDSN = env.str("LISTINGSYNC_POSTGRES_DSN", "")
	cfg.PostgresAutoMigrate = env.boolean("LISTINGSYNC_POSTGRES_AUTO_MIGRATE", cfg.PostgresAutoMigrate)

	cfg.RevokePolicy = strings.ToLower(env.str("LISTINGSYNC_REVOKE_POLICY", cfg.RevokePolicy))
	cfg.CBThreshold = env.integer("LISTINGSYNC_CB_THRESHOLD", cfg.CBThreshold)
	cfg.CBReset = env.duration("LISTINGSYNC_CB_RESET", cfg.CBReset)

	cfg.LogLevel = strings.ToLower(env.str("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(env.str("LOG_FORMAT", cfg.LogFormat))

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	products := make(map[string]bool, len(c.Products))
	for _, p := range c.Products {
		products[p] = true
	}
	for _, p := range c.OneOffProducts {
		if !products[p] {
			return fmt.Errorf("invalid configuration: one-off product %q is not in LISTINGSYNC_PRODUCTS", p)
		}
	}
	return nil
}

// PlanMapping maps every configured product to the plan
func (c *Config) PlanMapping() map[string]string {
	mapping := make(map[string]string, len(c.Products))
	for _, p := range c.Products {
		mapping[p] = c.PlanID
	}
	return mapping
}

// FarFuture is the synthetic window length given to one-off products
func (c *Config) FarFuture() time.Duration {
	return time.Duration(c.FarFutureYears) * 365 * 24 * time.Hour
}

// envReader collects parse errors so every bad variable is reported at once
type envReader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: not an integer: %q", key, v))
		return def
	}
	return n
}

func (e *envReader) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: not a boolean: %q", key, v))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: not a duration: %q", key, v))
		return def
	}
	return d
}

func (e *envReader) list(key string) []string {
	v := e.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
}
