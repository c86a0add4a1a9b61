package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

const (
	// DefaultFarFuture is the synthetic window length given to one-off purchases
	DefaultFarFuture = 100 * 365 * 24 * time.Hour

	// DefaultHTTPTimeout bounds outbound provider API calls
	DefaultHTTPTimeout = 10 * time.Second

	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// RateLimitConfig configures the per-client-IP webhook rate limiter
type RateLimitConfig struct {
	// Disabled turns the limiter off (e.g. when a gateway already limits)
	Disabled bool

	// Requests per Window per client IP (default: 100 per minute)
	Requests int
	Window   time.Duration

	// Burst is the bucket size (default: Requests)
	Burst int
}

// WebhookCallback is invoked after a webhook was reconciled. It runs
// synchronously on the request goroutine; errors are logged, never returned
// to the provider.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler applies classified transitions to the ledger and listings
	Reconciler *entitlement.Reconciler

	// PlanMapping maps provider product IDs (SKUs) to plan IDs. Several SKUs
	// (monthly, yearly, one-off) may map to the same plan. Unmapped products
	// are ignored.
	PlanMapping map[string]string

	// OneOffProducts lists SKUs that never expire. They receive a synthetic
	// end of start + FarFuture when the event carries no period end.
	OneOffProducts []string

	// FarFuture is the synthetic window length for one-off SKUs (default: 100 years)
	FarFuture time.Duration

	// WebhookSecret must equal the Authorization header of every webhook.
	// Empty means the endpoint fails closed.
	WebhookSecret string

	// RateLimit configures per-client-IP limiting of the webhook endpoint
	RateLimit RateLimitConfig

	// APIKey is used for outbound API calls to the billing provider (e.g. SyncUser).
	// Empty disables SyncUser; webhooks work without it.
	APIKey string

	// APIBaseURL overrides the provider's REST API root (default: the provider's public API)
	APIBaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// OnEvent is an optional hook called after a successful reconcile
	OnEvent WebhookCallback

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: entitlement.NoopLogger)
	Logger entitlement.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Validate checks the configuration. An empty WebhookSecret is allowed here;
// the handler rejects every request until one is configured.
func (c *Config) Validate() error {
	if c.Reconciler == nil {
		return fmt.Errorf("%w: reconciler is required", ErrProviderNotConfigured)
	}
	if len(c.PlanMapping) == 0 {
		return fmt.Errorf("%w: plan mapping is required", ErrProviderNotConfigured)
	}
	for product, plan := range c.PlanMapping {
		if strings.TrimSpace(product) == "" || strings.TrimSpace(plan) == "" {
			return fmt.Errorf("%w: plan mapping has an empty product or plan", ErrProviderNotConfigured)
		}
	}
	for _, product := range c.OneOffProducts {
		if _, ok := c.PlanMapping[strings.TrimSpace(product)]; !ok {
			return fmt.Errorf("%w: one-off product %q is not in the plan mapping", ErrProviderNotConfigured, product)
		}
	}
	if c.FarFuture < 0 {
		return fmt.Errorf("%w: far-future offset must not be negative", ErrProviderNotConfigured)
	}
	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: api base url %q must be absolute", ErrProviderNotConfigured, c.APIBaseURL)
		}
	}
	if c.RateLimit.Requests < 0 || c.RateLimit.Window < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate limit values must not be negative", ErrProviderNotConfigured)
	}
	return nil
}

// WithDefaults returns a copy with zero values replaced by defaults
func (c Config) WithDefaults() Config {
	if c.FarFuture == 0 {
		c.FarFuture = DefaultFarFuture
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = defaultRateLimitRequests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = defaultRateLimitWindow
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &entitlement.NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
