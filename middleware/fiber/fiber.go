// Package fiber provides Fiber middleware that gates routes on an active entitlement
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// EntryKey is the Fiber Locals key holding the ledger entry that passed the gate
const EntryKey = "listingsync.entry"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnInactive func(c *fiber.Ctx, entry *entitlement.LedgerEntry) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets users with an active entitlement through
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Reconciler == nil {
		panic("listingsync/fiber: Config.Reconciler is required")
	}
	if cfg.PlanID == "" {
		panic("listingsync/fiber: Config.PlanID is required")
	}
	if cfg.GetUserID == nil {
		panic("listingsync/fiber: Config.GetUserID is required")
	}

	if cfg.InactiveStatusCode == 0 {
		cfg.InactiveStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		entry, err := cfg.Reconciler.Entry(c.UserContext(), userID, cfg.PlanID)
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

		c.Locals(EntryKey, entry)
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultInactive(c *fiber.Ctx, entry *entitlement.LedgerEntry, statusCode int) error {
	status := "none"
	if entry != nil {
		status = string(entry.Status)
	}
	return c.Status(statusCode).JSON(fiber.Map{
		"error":  "Active subscription required",
		"status": status,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// EntryFromContext returns the ledger entry stored by the middleware, if any
func EntryFromContext(c *fiber.Ctx) (*entitlement.LedgerEntry, bool) {
	entry, ok := c.Locals(EntryKey).(*entitlement.LedgerEntry)
	return entry, ok
}
