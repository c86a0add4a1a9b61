package entitlement

import (
	"context"
	"time"
)

// LedgerStore persists ledger entries.
// Implementations must make every method a single atomic operation; concurrent
// deliveries for one (user, plan) are serialized by the store, not by callers.
type LedgerStore interface {
	// GetEntry retrieves the entry for (userID, planID)
	// Returns ErrEntryNotFound if there is none
	GetEntry(ctx context.Context, userID, planID string) (*LedgerEntry, error)

	// UpsertGrant inserts or replaces the entry keyed by (UserID, PlanID),
	// setting status to active and replacing the window and references
	UpsertGrant(ctx context.Context, entry *LedgerEntry) error

	// ApplyRevoke updates the entry's status only if its current status is in req.From.
	// Returns false (and no error) when no row matched.
	ApplyRevoke(ctx context.Context, req *RevokeRequest) (bool, error)
}

// ListingStore performs predicate-guarded listing status updates
type ListingStore interface {
	// PromoteLatestListing moves the most recently created listing of ownerID that is
	// currently in status from to status to, touching at most one row.
	// Returns nil (and no error) when no listing matched.
	PromoteLatestListing(ctx context.Context, ownerID string, from, to ListingStatus, now time.Time) (*Listing, error)

	// SetListingsStatus moves every listing of ownerID currently in from to to.
	// Returns the number of rows changed.
	SetListingsStatus(ctx context.Context, ownerID string, from, to ListingStatus, now time.Time) (int, error)
}

// Storage is everything the reconciler needs from a backend
type Storage interface {
	LedgerStore
	ListingStore
}
