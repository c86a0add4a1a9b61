// Package http provides HTTP middleware that gates handlers on an active entitlement
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Reconciler is the entitlement reconciler instance (required)
	Reconciler *entitlement.Reconciler

	// PlanID is the plan the caller must hold (required)
	PlanID string

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// InactiveStatusCode is returned when the user does not hold the plan
	// Default: 402 Payment Required
	InactiveStatusCode int

	// OnInactive is called when the user has no active entitlement.
	// entry is nil when the ledger has no row for the user.
	// If nil, returns InactiveStatusCode
	OnInactive func(w http.ResponseWriter, r *http.Request, entry *entitlement.LedgerEntry)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets users with an active entitlement through
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Reconciler == nil {
		panic("listingsync/http: Config.Reconciler is required")
	}
	if config.PlanID == "" {
		panic("listingsync/http: Config.PlanID is required")
	}
	if config.GetUserID == nil {
		panic("listingsync/http: Config.GetUserID is required")
	}
	if config.InactiveStatusCode == 0 {
		config.InactiveStatusCode = http.StatusPaymentRequired
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			entry, err := config.Reconciler.Entry(ctx, userID, config.PlanID)
			if err != nil && !errors.Is(err, entitlement.ErrEntryNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !entry.ActiveAt(config.Reconciler.Now()) {
				if config.OnInactive != nil {
					config.OnInactive(w, r, entry)
				} else {
					http.Error(w, "Active subscription required", config.InactiveStatusCode)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithEntry(ctx, entry)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates on an active entitlement (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "listingsync:userID"

	// EntryKey is the context key for the ledger entry that passed the gate
	EntryKey ContextKey = "listingsync:entry"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithEntry adds a ledger entry to request context
func WithEntry(ctx context.Context, entry *entitlement.LedgerEntry) context.Context {
	return context.WithValue(ctx, EntryKey, entry)
}

// EntryFromContext returns the ledger entry stored by the middleware, if any
func EntryFromContext(ctx context.Context) (*entitlement.LedgerEntry, bool) {
	entry, ok := ctx.Value(EntryKey).(*entitlement.LedgerEntry)
	return entry, ok
}
