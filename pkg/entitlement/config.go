package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// RevokePolicy decides what a revoke does to the owner's listings
type RevokePolicy string

const (
	// RevokePolicyNone leaves listings untouched on revoke (default)
	RevokePolicyNone RevokePolicy = "none"
	// RevokePolicyHideLive moves the owner's live listings to hidden on revoke
	RevokePolicyHideLive RevokePolicy = "hide-live"
)

// ParseRevokePolicy parses a policy name; empty means RevokePolicyNone
func ParseRevokePolicy(s string) (RevokePolicy, error) {
	switch RevokePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RevokePolicyNone:
		return RevokePolicyNone, nil
	case RevokePolicyHideLive:
		return RevokePolicyHideLive, nil
	default:
		return "", fmt.Errorf("unknown revoke policy %q", s)
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds reconciler configuration
type Config struct {
	// RevokePolicy controls listing cascades on revoke (default: RevokePolicyNone)
	RevokePolicy RevokePolicy

	// Metrics is used for tracking reconciliation (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig optionally wraps storage with a circuit breaker
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.RevokePolicy {
	case "", RevokePolicyNone, RevokePolicyHideLive:
	default:
		return fmt.Errorf("unknown revoke policy %q", c.RevokePolicy)
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled {
		if cb.FailureThreshold < 0 {
			return fmt.Errorf("circuit breaker failure threshold must not be negative")
		}
		if cb.ResetTimeout < 0 {
			return fmt.Errorf("circuit breaker reset timeout must not be negative")
		}
	}
	return nil
}
