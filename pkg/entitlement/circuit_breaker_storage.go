package entitlement

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetEntry(ctx context.Context, userID, planID string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.cb.Execute(ctx, func() error {
		var e error
		entry, e = s.storage.GetEntry(ctx, userID, planID)
		return e
	})
	return entry, err
}

func (s *CircuitBreakerStorage) UpsertGrant(ctx context.Context, entry *LedgerEntry) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpsertGrant(ctx, entry)
	})
}

func (s *CircuitBreakerStorage) ApplyRevoke(ctx context.Context, req *RevokeRequest) (bool, error) {
	var applied bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		applied, e = s.storage.ApplyRevoke(ctx, req)
		return e
	})
	return applied, err
}

func (s *CircuitBreakerStorage) PromoteLatestListing(ctx context.Context, ownerID string,
	from, to ListingStatus, now time.Time) (*Listing, error) {
	var listing *Listing
	err := s.cb.Execute(ctx, func() error {
		var e error
		listing, e = s.storage.PromoteLatestListing(ctx, ownerID, from, to, now)
		return e
	})
	return listing, err
}

func (s *CircuitBreakerStorage) SetListingsStatus(ctx context.Context, ownerID string,
	from, to ListingStatus, now time.Time) (int, error) {
	var n int
	err := s.cb.Execute(ctx, func() error {
		var e error
		n, e = s.storage.SetListingsStatus(ctx, ownerID, from, to, now)
		return e
	})
	return n, err
}
