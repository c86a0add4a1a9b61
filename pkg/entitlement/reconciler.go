package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// Reconciler applies normalized transitions to the ledger and the listing projection.
//
// It holds no per-user state and takes no locks: concurrent deliveries for the same
// (user, plan) are resolved by the storage backend's atomic upsert, and the last
// write wins. Redelivery of a grant is idempotent because the upsert writes the same
// values; redelivery of a revoke is a no-op because the update is predicated on the
// current status.
type Reconciler struct {
	storage Storage
	config  Config
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler over the given storage
func NewReconciler(storage Storage, config *Config) (*Reconciler, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	var cfg Config
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Set defaults
	if cfg.RevokePolicy == "" {
		cfg.RevokePolicy = RevokePolicyNone
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cb := cfg.CircuitBreakerConfig; cb != nil && cb.Enabled {
		threshold := cb.FailureThreshold
		if threshold == 0 {
			threshold = defaultFailureThreshold
		}
		reset := cb.ResetTimeout
		if reset == 0 {
			reset = defaultResetTimeout
		}
		metrics, logger := cfg.Metrics, cfg.Logger
		breaker := NewDefaultCircuitBreaker(threshold, reset, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("storage circuit breaker state changed", Field{Key: "state", Value: string(state)})
		})
		storage = NewCircuitBreakerStorage(storage, breaker)
	}

	return &Reconciler{
		storage: storage,
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// Apply applies a transition. Grant-path failures are returned so the caller can
// ask the provider to retry; revoke-path failures are logged and swallowed.
func (r *Reconciler) Apply(ctx context.Context, t *Transition) (*Result, error) {
	if t == nil {
		return nil, ErrInvalidTransition
	}

	var (
		res *Result
		err error
	)
	switch t.Kind {
	case KindGrant:
		res, err = r.grant(ctx, t)
	case KindRevoke:
		res = r.revoke(ctx, t)
	case KindIgnore:
		r.logger.Debug("event ignored", transitionFields(t, Field{Key: "reason", Value: t.Reason})...)
		res = &Result{Outcome: OutcomeIgnored}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTransition, t.Kind)
	}

	if err != nil {
		r.metrics.RecordTransition(t.Kind, "error")
		return nil, err
	}
	r.metrics.RecordTransition(t.Kind, res.Outcome)
	return res, nil
}

// grant upserts the ledger entry and promotes the owner's newest pending-payment listing
func (r *Reconciler) grant(ctx context.Context, t *Transition) (*Result, error) {
	now := r.now().UTC()
	entry := &LedgerEntry{
		UserID:         t.UserID,
		PlanID:         t.PlanID,
		Status:         StatusActive,
		Start:          t.Start.UTC(),
		End:            utcPtr(t.End),
		CustomerRef:    t.CustomerRef,
		ProductRef:     t.ProductID,
		EntitlementRef: t.EntitlementRef,
		UpdatedAt:      stampFor(t, now),
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}

	start := time.Now()
	err := r.storage.UpsertGrant(ctx, entry)
	r.metrics.RecordStorageOperation("upsert_grant", time.Since(start), err)
	if err != nil {
		r.logger.Error("ledger upsert failed", transitionFields(t, Field{Key: "error", Value: err.Error()})...)
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	listing, err := r.project(ctx, t, now)
	if err != nil {
		return nil, err
	}

	r.logger.Info("entitlement granted", transitionFields(t,
		Field{Key: "start", Value: entry.Start},
		Field{Key: "end", Value: entry.End},
		Field{Key: "listing_promoted", Value: listing != nil},
	)...)
	return &Result{Outcome: OutcomeGranted, Listing: listing}, nil
}

// project moves the newest pending-payment listing to pending-review
func (r *Reconciler) project(ctx context.Context, t *Transition, now time.Time) (*Listing, error) {
	start := time.Now()
	listing, err := r.storage.PromoteLatestListing(ctx, t.UserID, ListingPendingPayment, ListingPendingReview, now)
	r.metrics.RecordStorageOperation("promote_listing", time.Since(start), err)
	if err != nil {
		r.metrics.RecordProjection("error")
		r.logger.Error("listing projection failed", transitionFields(t, Field{Key: "error", Value: err.Error()})...)
		return nil, fmt.Errorf("%w: %w", ErrProjection, err)
	}
	if listing == nil {
		r.metrics.RecordProjection("none")
		return nil, nil
	}
	r.metrics.RecordProjection("promoted")
	r.logger.Info("listing moved to review", transitionFields(t, Field{Key: "listing_id", Value: listing.ID})...)
	return listing, nil
}

// revoke applies a predicate status update. It never fails the delivery.
func (r *Reconciler) revoke(ctx context.Context, t *Transition) *Result {
	from := RevokeFrom(t.RevokeStatus)
	if from == nil {
		r.logger.Warn("revoke with unsupported target status",
			transitionFields(t, Field{Key: "status", Value: string(t.RevokeStatus)})...)
		return &Result{Outcome: OutcomeIgnored}
	}

	now := r.now().UTC()
	req := &RevokeRequest{
		UserID:    t.UserID,
		PlanID:    t.PlanID,
		To:        t.RevokeStatus,
		From:      from,
		End:       utcPtr(t.End),
		UpdatedAt: stampFor(t, now),
	}

	start := time.Now()
	applied, err := r.storage.ApplyRevoke(ctx, req)
	r.metrics.RecordStorageOperation("apply_revoke", time.Since(start), err)
	if err != nil {
		r.logger.Error("ledger revoke failed; not retrying",
			transitionFields(t, Field{Key: "error", Value: err.Error()})...)
		return &Result{Outcome: OutcomeRevokeFailed}
	}
	if !applied {
		r.logger.Info("revoke matched no entry in a revocable state", transitionFields(t)...)
		return &Result{Outcome: OutcomeNoop}
	}

	res := &Result{Outcome: OutcomeRevoked}
	if r.config.RevokePolicy == RevokePolicyHideLive {
		start = time.Now()
		n, err := r.storage.SetListingsStatus(ctx, t.UserID, ListingLive, ListingHidden, now)
		r.metrics.RecordStorageOperation("hide_listings", time.Since(start), err)
		if err != nil {
			r.metrics.RecordProjection("error")
			r.logger.Error("hiding listings after revoke failed; not retrying",
				transitionFields(t, Field{Key: "error", Value: err.Error()})...)
		} else {
			r.metrics.RecordProjection("hidden")
			res.HiddenListings = n
		}
	}

	r.logger.Info("entitlement revoked", transitionFields(t,
		Field{Key: "status", Value: string(t.RevokeStatus)},
		Field{Key: "hidden_listings", Value: res.HiddenListings},
	)...)
	return res
}

// Entry returns the ledger entry for (userID, planID)
func (r *Reconciler) Entry(ctx context.Context, userID, planID string) (*LedgerEntry, error) {
	return r.storage.GetEntry(ctx, userID, planID)
}

// HasActiveEntitlement reports whether the user currently holds the plan
func (r *Reconciler) HasActiveEntitlement(ctx context.Context, userID, planID string) (bool, error) {
	entry, err := r.storage.GetEntry(ctx, userID, planID)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.ActiveAt(r.now()), nil
}

// Now returns the reconciler's clock reading
func (r *Reconciler) Now() time.Time {
	return r.now()
}

// stampFor prefers the event time so a redelivered event writes an identical row
func stampFor(t *Transition, now time.Time) time.Time {
	if t.OccurredAt.IsZero() {
		return now
	}
	return t.OccurredAt.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
