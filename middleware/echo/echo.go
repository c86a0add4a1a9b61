// Package echo provides Echo middleware that gates routes on an active entitlement
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// EntryKey is the Echo context key holding the ledger entry that passed the gate
const EntryKey = "listingsync.entry"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Reconciler is the entitlement reconciler instance (required)
	Reconciler *entitlement.Reconciler

	// PlanID is the plan the caller must hold (required)
	PlanID string

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// InactiveStatusCode is the HTTP status code to return when the user does not hold the plan
	// Default: 402 (Payment Required)
	InactiveStatusCode int

	// OnInactive is called when the user has no active entitlement (entry may be nil)
	// If nil, uses default response: InactiveStatusCode JSON with the ledger status
	OnInactive func(c echo.Context, entry *entitlement.LedgerEntry) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets users with an active entitlement through
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Reconciler == nil {
		panic("listingsync/echo: Config.Reconciler is required")
	}
	if cfg.PlanID == "" {
		panic("listingsync/echo: Config.PlanID is required")
	}
	if cfg.GetUserID == nil {
		panic("listingsync/echo: Config.GetUserID is required")
	}

	if cfg.InactiveStatusCode == 0 {
		cfg.InactiveStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			entry, err := cfg.Reconciler.Entry(c.Request().Context(), userID, cfg.PlanID)
			if err != nil && !errors.Is(err, entitlement.ErrEntryNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if !entry.ActiveAt(cfg.Reconciler.Now()) {
				if cfg.OnInactive != nil {
					return cfg.OnInactive(c, entry)
				}
				return defaultInactive(c, entry, cfg.InactiveStatusCode)
			}

			c.Set(EntryKey, entry)
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultInactive(c echo.Context, entry *entitlement.LedgerEntry, statusCode int) error {
	status := "none"
	if entry != nil {
		status = string(entry.Status)
	}
	return c.JSON(statusCode, map[string]string{
		"error":  "Active subscription required",
		"status": status,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// EntryFromContext returns the ledger entry stored by the middleware, if any
func EntryFromContext(c echo.Context) (*entitlement.LedgerEntry, bool) {
	entry, ok := c.Get(EntryKey).(*entitlement.LedgerEntry)
	return entry, ok
}
