package entitlement

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a ledger entry
type Status string

const (
	// StatusActive means the user currently holds the plan
	StatusActive Status = "active"
	// StatusCancelled means the subscription was cancelled. The entry stops
	// granting the plan immediately; End is kept for reference only.
	StatusCancelled Status = "cancelled"
	// StatusExpired means the entitlement window is over
	StatusExpired Status = "expired"
)

// ListingStatus is the publication state of a listing
type ListingStatus string

const (
	ListingPendingPayment ListingStatus = "pending-payment"
	ListingPendingReview  ListingStatus = "pending-review"
	ListingLive           ListingStatus = "live"
	ListingHidden         ListingStatus = "hidden"
)

// Kind is the normalized transition derived from a provider event
type Kind string

const (
	// KindGrant ensures the entitlement is active (purchase, renewal, product change)
	KindGrant Kind = "grant"
	// KindRevoke moves the entitlement to cancelled or expired
	KindRevoke Kind = "revoke"
	// KindIgnore is anything the reconciler does not act on
	KindIgnore Kind = "ignore"
)

// LedgerEntry is the durable (user, plan) subscription window record
type LedgerEntry struct {
	UserID         string
	PlanID         string
	Status         Status
	Start          time.Time
	End            *time.Time // nil means non-expiring
	CustomerRef    string
	ProductRef     string
	EntitlementRef string
	UpdatedAt      time.Time
}

// Validate checks the entry's identity and window invariant
func (e *LedgerEntry) Validate() error {
	if e == nil || e.UserID == "" || e.PlanID == "" {
		return fmt.Errorf("%w: user and plan are required", ErrInvalidEntry)
	}
	if e.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidEntry)
	}
	if e.End != nil && e.End.Before(e.Start) {
		return fmt.Errorf("%w: end %s precedes start %s", ErrInvalidEntry,
			e.End.UTC().Format(time.RFC3339), e.Start.UTC().Format(time.RFC3339))
	}
	return nil
}

// ActiveAt reports whether the entry grants the plan at t. Only active entries
// grant; a cancelled entry is inactive even while End is in the future.
func (e *LedgerEntry) ActiveAt(t time.Time) bool {
	if e == nil || e.Status != StatusActive {
		return false
	}
	return e.End == nil || e.End.After(t)
}

// Listing is the subset of a listing this package reads and writes
type Listing struct {
	ID        string
	OwnerID   string
	Status    ListingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition is a provider event normalized into something the reconciler can apply
type Transition struct {
	Kind      Kind
	EventType string
	EventID   string
	UserID    string
	PlanID    string
	ProductID string

	// Start and End describe the grant window. For revokes End carries the
	// expiration timestamp, if the provider sent one.
	Start time.Time
	End   *time.Time

	// RevokeStatus is the target status of a revoke (cancelled or expired)
	RevokeStatus Status

	CustomerRef    string
	EntitlementRef string

	// OccurredAt is the provider's event timestamp, zero when unknown
	OccurredAt time.Time

	// Reason explains why an event was ignored
	Reason string
}

// Outcome describes what applying a transition did
type Outcome string

const (
	OutcomeGranted      Outcome = "granted"
	OutcomeRevoked      Outcome = "revoked"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeNoop         Outcome = "noop"
	OutcomeRevokeFailed Outcome = "revoke_failed"
)

// Result is returned by Reconciler.Apply
type Result struct {
	Outcome Outcome

	// Listing is the listing promoted to pending-review by a grant, if any
	Listing *Listing

	// HiddenListings is the number of listings hidden by the revoke policy
	HiddenListings int
}

// RevokeRequest is a predicate status update on a ledger entry
type RevokeRequest struct {
	UserID string
	PlanID string
	To     Status

	// From lists the statuses a row must currently have for the update to apply
	From []Status

	// End replaces the entry's end when set and not before the entry's start
	End *time.Time

	UpdatedAt time.Time
}

// RevokeFrom returns the prior statuses a revoke to the given status may apply to.
// Cancellation only moves active rows; expiration also finishes cancelled ones.
func RevokeFrom(to Status) []Status {
	switch to {
	case StatusCancelled:
		return []Status{StatusActive}
	case StatusExpired:
		return []Status{StatusActive, StatusCancelled}
	default:
		return nil
	}
}

// ContainsStatus reports whether s is in list
func ContainsStatus(list []Status, s Status) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
