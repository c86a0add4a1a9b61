package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// DefaultUserIDHeader is the header FromHeader reads when no other extractor is configured
const DefaultUserIDHeader = "X-User-ID"

// Config holds configuration for the entitlement API handler
type Config struct {
	// Reconciler is the entitlement reconciler instance (required)
	Reconciler *entitlement.Reconciler

	// PlanID is the plan reported by the handler (required)
	PlanID string

	// GetUserID extracts user ID from HTTP request
	// If nil, FromHeader(DefaultUserIDHeader) is used
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	if c.PlanID == "" {
		return fmt.Errorf("plan ID is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromHeader(DefaultUserIDHeader)
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
