// Package gin provides Gin middleware that gates routes on an active entitlement
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// EntryKey is the Gin context key holding the ledger entry that passed the gate
const EntryKey = "listingsync.entry"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnInactive func(c *gongin.Context, entry *entitlement.LedgerEntry)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets users with an active entitlement through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Reconciler == nil {
		panic("listingsync/gin: Config.Reconciler is required")
	}
	if cfg.PlanID == "" {
		panic("listingsync/gin: Config.PlanID is required")
	}
	if cfg.GetUserID == nil {
		panic("listingsync/gin: Config.GetUserID is required")
	}

	if cfg.InactiveStatusCode == 0 {
		cfg.InactiveStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		entry, err := cfg.Reconciler.Entry(c.Request.Context(), userID, cfg.PlanID)
		if err != nil && !errors.Is(err, entitlement.ErrEntryNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if !entry.ActiveAt(cfg.Reconciler.Now()) {
			if cfg.OnInactive != nil {
				cfg.OnInactive(c, entry)
			} else {
				defaultInactive(c, entry, cfg.InactiveStatusCode)
			}
			c.Abort()
			return
		}

		c.Set(EntryKey, entry)
		c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultInactive(c *gongin.Context, entry *entitlement.LedgerEntry, statusCode int) {
	status := "none"
	if entry != nil {
		status = string(entry.Status)
	}
	c.JSON(statusCode, gongin.H{
		"error":  "Active subscription required",
		"status": status,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// EntryFromContext returns the ledger entry stored by the middleware, if any
func EntryFromContext(c *gongin.Context) (*entitlement.LedgerEntry, bool) {
	val, exists := c.Get(EntryKey)
	if !exists {
		return nil, false
	}
	entry, ok := val.(*entitlement.LedgerEntry)
	return entry, ok
}
