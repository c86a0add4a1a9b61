// Package storagetest holds behaviour tests shared by every entitlement.Storage backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// Store is a backend under test. CreateListing and GetListing seed and inspect
// the listings table, which the reconciler itself never inserts into.
type Store interface {
	entitlement.Storage
	CreateListing(ctx context.Context, listing *entitlement.Listing) (*entitlement.Listing, error)
	GetListing(ctx context.Context, id string) (*entitlement.Listing, error)
}

// Factory returns an empty store for one subtest
type Factory func(t *testing.T) Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

func grant(userID, planID string, start time.Time, end *time.Time) *entitlement.LedgerEntry {
	return &entitlement.LedgerEntry{
		UserID:         userID,
		PlanID:         planID,
		Status:         entitlement.StatusActive,
		Start:          start,
		End:            end,
		CustomerRef:    "cust-" + userID,
		ProductRef:     "PROSERVICE_Monthly",
		EntitlementRef: "pro",
		UpdatedAt:      start,
	}
}

// Run executes the shared suite against newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("GetEntry not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEntry(context.Background(), "nobody", "plan")
		assert.ErrorIs(t, err, entitlement.ErrEntryNotFound)
	})

	t.Run("UpsertGrant creates entry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		end := base.AddDate(0, 1, 0)

		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, &end)))

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, got.Status)
		assert.True(t, got.Start.Equal(base), "start %s", got.Start)
		require.NotNil(t, got.End)
		assert.True(t, got.End.Equal(end), "end %s", got.End)
		assert.Equal(t, "cust-U1", got.CustomerRef)
		assert.Equal(t, "PROSERVICE_Monthly", got.ProductRef)
		assert.Equal(t, "pro", got.EntitlementRef)
	})

	t.Run("UpsertGrant with nil end", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, nil)))

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Nil(t, got.End)
	})

	t.Run("UpsertGrant rejects end before start", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.UpsertGrant(ctx, grant("U1", "PRO", base, timePtr(base.Add(-time.Hour))))
		assert.ErrorIs(t, err, entitlement.ErrInvalidEntry)

		_, err = s.GetEntry(ctx, "U1", "PRO")
		assert.ErrorIs(t, err, entitlement.ErrEntryNotFound)
	})

	t.Run("UpsertGrant is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		end := base.AddDate(0, 1, 0)

		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, &end)))
		first, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, &end)))
		}
		again, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assertSameEntry(t, first, again)
	})

	t.Run("UpsertGrant reactivates and replaces window", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		end := base.AddDate(0, 1, 0)
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, &end)))

		applied, err := s.ApplyRevoke(ctx, &entitlement.RevokeRequest{
			UserID: "U1", PlanID: "PRO", To: entitlement.StatusExpired,
			From: entitlement.RevokeFrom(entitlement.StatusExpired), UpdatedAt: end,
		})
		require.NoError(t, err)
		require.True(t, applied)

		newStart := base.AddDate(0, 2, 0)
		newEnd := newStart.AddDate(1, 0, 0)
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", newStart, &newEnd)))

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, got.Status)
		assert.True(t, got.Start.Equal(newStart))
		assert.True(t, got.End.Equal(newEnd))
	})

	t.Run("entries are keyed by user and plan", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, nil)))
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "OTHER", base, nil)))
		require.NoError(t, s.UpsertGrant(ctx, grant("U2", "PRO", base, nil)))

		applied, err := s.ApplyRevoke(ctx, &entitlement.RevokeRequest{
			UserID: "U1", PlanID: "PRO", To: entitlement.StatusCancelled,
			From: entitlement.RevokeFrom(entitlement.StatusCancelled), UpdatedAt: base,
		})
		require.NoError(t, err)
		require.True(t, applied)

		other, err := s.GetEntry(ctx, "U1", "OTHER")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, other.Status)
		u2, err := s.GetEntry(ctx, "U2", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, u2.Status)
	})

	t.Run("ApplyRevoke without entry is a no-op", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		applied, err := s.ApplyRevoke(ctx, &entitlement.RevokeRequest{
			UserID: "ghost", PlanID: "PRO", To: entitlement.StatusExpired,
			From: entitlement.RevokeFrom(entitlement.StatusExpired), UpdatedAt: base,
		})
		require.NoError(t, err)
		assert.False(t, applied)

		_, err = s.GetEntry(ctx, "ghost", "PRO")
		assert.ErrorIs(t, err, entitlement.ErrEntryNotFound)
	})

	t.Run("ApplyRevoke sets status and end", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		end := base.AddDate(0, 1, 0)
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, &end)))

		expiredAt := base.AddDate(0, 0, 20)
		applied, err := s.ApplyRevoke(ctx, &entitlement.RevokeRequest{
			UserID: "U1", PlanID: "PRO", To: entitlement.StatusExpired,
			From: entitlement.RevokeFrom(entitlement.StatusExpired),
			End:  &expiredAt, UpdatedAt: expiredAt,
		})
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusExpired, got.Status)
		require.NotNil(t, got.End)
		assert.True(t, got.End.Equal(expiredAt), "end %s", got.End)
		assert.True(t, got.Start.Equal(base))
	})

	t.Run("ApplyRevoke keeps end when none given", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		end := base.AddDate(0, 1, 0)
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, &end)))

		applied, err := s.ApplyRevoke(ctx, &entitlement.RevokeRequest{
			UserID: "U1", PlanID: "PRO", To: entitlement.StatusCancelled,
			From: entitlement.RevokeFrom(entitlement.StatusCancelled), UpdatedAt: base,
		})
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCancelled, got.Status)
		require.NotNil(t, got.End)
		assert.True(t, got.End.Equal(end))
	})

	t.Run("ApplyRevoke never moves end before start", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		end := base.AddDate(0, 1, 0)
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, &end)))

		tooEarly := base.Add(-time.Hour)
		applied, err := s.ApplyRevoke(ctx, &entitlement.RevokeRequest{
			UserID: "U1", PlanID: "PRO", To: entitlement.StatusExpired,
			From: entitlement.RevokeFrom(entitlement.StatusExpired),
			End:  &tooEarly, UpdatedAt: base,
		})
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusExpired, got.Status)
		assert.True(t, got.End.Equal(end), "end must stay at %s, got %s", end, got.End)
	})

	t.Run("ApplyRevoke respects the prior-status predicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertGrant(ctx, grant("U1", "PRO", base, nil)))

		expire := &entitlement.RevokeRequest{
			UserID: "U1", PlanID: "PRO", To: entitlement.StatusExpired,
			From: entitlement.RevokeFrom(entitlement.StatusExpired), UpdatedAt: base,
		}
		cancel := &entitlement.RevokeRequest{
			UserID: "U1", PlanID: "PRO", To: entitlement.StatusCancelled,
			From: entitlement.RevokeFrom(entitlement.StatusCancelled), UpdatedAt: base,
		}

		applied, err := s.ApplyRevoke(ctx, cancel)
		require.NoError(t, err)
		assert.True(t, applied, "active -> cancelled")

		applied, err = s.ApplyRevoke(ctx, cancel)
		require.NoError(t, err)
		assert.False(t, applied, "redelivered cancellation must not match")

		applied, err = s.ApplyRevoke(ctx, expire)
		require.NoError(t, err)
		assert.True(t, applied, "cancelled -> expired")

		applied, err = s.ApplyRevoke(ctx, cancel)
		require.NoError(t, err)
		assert.False(t, applied, "expired must not go back to cancelled")

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusExpired, got.Status)
	})

	t.Run("PromoteLatestListing picks newest pending-payment listing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		older := seed(t, s, "U1", entitlement.ListingPendingPayment, base)
		newer := seed(t, s, "U1", entitlement.ListingPendingPayment, base.Add(time.Hour))
		live := seed(t, s, "U1", entitlement.ListingLive, base.Add(2*time.Hour))
		foreign := seed(t, s, "U2", entitlement.ListingPendingPayment, base.Add(3*time.Hour))

		promoted, err := s.PromoteLatestListing(ctx, "U1",
			entitlement.ListingPendingPayment, entitlement.ListingPendingReview, base.Add(4*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, promoted)
		assert.Equal(t, newer.ID, promoted.ID)
		assert.Equal(t, entitlement.ListingPendingReview, promoted.Status)
		assert.Equal(t, "U1", promoted.OwnerID)

		assertListingStatus(t, s, older.ID, entitlement.ListingPendingPayment)
		assertListingStatus(t, s, newer.ID, entitlement.ListingPendingReview)
		assertListingStatus(t, s, live.ID, entitlement.ListingLive)
		assertListingStatus(t, s, foreign.ID, entitlement.ListingPendingPayment)
	})

	t.Run("PromoteLatestListing without match is a no-op", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		review := seed(t, s, "U1", entitlement.ListingPendingReview, base)

		promoted, err := s.PromoteLatestListing(ctx, "U1",
			entitlement.ListingPendingPayment, entitlement.ListingPendingReview, base)
		require.NoError(t, err)
		assert.Nil(t, promoted)
		assertListingStatus(t, s, review.ID, entitlement.ListingPendingReview)
	})

	t.Run("SetListingsStatus moves only matching listings", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		live1 := seed(t, s, "U1", entitlement.ListingLive, base)
		live2 := seed(t, s, "U1", entitlement.ListingLive, base.Add(time.Minute))
		review := seed(t, s, "U1", entitlement.ListingPendingReview, base)
		other := seed(t, s, "U2", entitlement.ListingLive, base)

		n, err := s.SetListingsStatus(ctx, "U1", entitlement.ListingLive, entitlement.ListingHidden, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		assertListingStatus(t, s, live1.ID, entitlement.ListingHidden)
		assertListingStatus(t, s, live2.ID, entitlement.ListingHidden)
		assertListingStatus(t, s, review.ID, entitlement.ListingPendingReview)
		assertListingStatus(t, s, other.ID, entitlement.ListingLive)
	})

	t.Run("concurrent grants converge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				end := base.AddDate(0, 1, 0)
				e := grant("U1", "PRO", base, &end)
				e.EntitlementRef = fmt.Sprintf("pro-%d", i%2)
				errs <- s.UpsertGrant(ctx, e)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetEntry(ctx, "U1", "PRO")
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, got.Status)
		assert.Contains(t, []string{"pro-0", "pro-1"}, got.EntitlementRef)
	})

	t.Run("concurrent promotions touch one listing once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		only := seed(t, s, "U1", entitlement.ListingPendingPayment, base)

		var wg sync.WaitGroup
		var mu sync.Mutex
		promotedCount := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l, err := s.PromoteLatestListing(ctx, "U1",
					entitlement.ListingPendingPayment, entitlement.ListingPendingReview, base)
				if err != nil {
					t.Errorf("PromoteLatestListing: %v", err)
					return
				}
				if l != nil {
					mu.Lock()
					promotedCount++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, promotedCount)
		assertListingStatus(t, s, only.ID, entitlement.ListingPendingReview)
	})
}

func seed(t *testing.T, s Store, owner string, status entitlement.ListingStatus, created time.Time) *entitlement.Listing {
	t.Helper()
	l, err := s.CreateListing(context.Background(), &entitlement.Listing{
		OwnerID:   owner,
		Status:    status,
		CreatedAt: created,
	})
	require.NoError(t, err)
	require.NotEmpty(t, l.ID)
	return l
}

func assertListingStatus(t *testing.T, s Store, id string, want entitlement.ListingStatus) {
	t.Helper()
	l, err := s.GetListing(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, l, "listing %s not found", id)
	assert.Equal(t, want, l.Status, "listing %s", id)
}

func assertSameEntry(t *testing.T, want, got *entitlement.LedgerEntry) {
	t.Helper()
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.PlanID, got.PlanID)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, want.Start.Equal(got.Start))
	if want.End == nil {
		assert.Nil(t, got.End)
	} else {
		require.NotNil(t, got.End)
		assert.True(t, want.End.Equal(*got.End))
	}
	assert.Equal(t, want.CustomerRef, got.CustomerRef)
	assert.Equal(t, want.ProductRef, got.ProductRef)
	assert.Equal(t, want.EntitlementRef, got.EntitlementRef)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
}
