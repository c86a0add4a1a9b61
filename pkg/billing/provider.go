package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// Provider is the generic interface that any billing backend must implement.
// The reconciler only ever sees normalized transitions, so swapping providers
// needs no ledger or projection changes.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles authentication, parsing, classification and
	// reconciliation internally.
	WebhookHandler() http.Handler

	// SyncUser pulls the user's current state from the provider's API and
	// applies it through the reconciler. This is used for "Restore Purchases"
	// and for repairing the ledger after missed webhooks.
	SyncUser(ctx context.Context, userID string) (*SyncResult, error)
}

// SyncResult reports what a SyncUser call applied, per plan
type SyncResult struct {
	UserID string

	// Found is false when the provider has no record of the user
	Found bool

	// Plans maps each configured plan ID to the reconciler's result
	Plans map[string]*entitlement.Result
}
