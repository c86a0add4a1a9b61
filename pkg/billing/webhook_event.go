package billing

import (
	"time"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// WebhookEvent describes a reconciled webhook. It is passed to the
// WebhookCallback after the ledger (and listing projection) were updated.
type WebhookEvent struct {
	// UserID is the internal user identifier (the provider's app user id)
	UserID string

	// PlanID is the plan the event's product maps to
	PlanID string

	// Provider is the billing provider name ("revenuecat")
	Provider string

	// EventType is the provider-specific event type
	// RevenueCat: "INITIAL_PURCHASE", "RENEWAL", "CANCELLATION", etc.
	EventType string

	// EventID is the provider's event identifier, if sent
	EventID string

	// Kind and Outcome describe what the reconciler did
	Kind    entitlement.Kind
	Outcome entitlement.Outcome

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// End is the grant window end (nil for non-expiring or unknown)
	End *time.Time

	// PromotedListingID is set when a grant moved a listing to pending-review
	PromotedListingID string

	// Metadata contains provider-specific additional data
	// RevenueCat: product_id, entitlement_ids
	Metadata map[string]interface{}
}
