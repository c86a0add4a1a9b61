// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// Storage implements entitlement.Storage using in-memory maps.
// Every method holds the store mutex for its whole read-modify-write, which is
// what the SQL backends get from single-statement upserts and updates.
type Storage struct {
	mu       sync.RWMutex
	ledger   map[string]*entitlement.LedgerEntry
	listings map[string]*entitlement.Listing
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		ledger:   make(map[string]*entitlement.LedgerEntry),
		listings: make(map[string]*entitlement.Listing),
	}
}

// GetEntry implements entitlement.LedgerStore
func (s *Storage) GetEntry(_ context.Context, userID, planID string) (*entitlement.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledger[ledgerKey(userID, planID)]
	if !ok {
		return nil, entitlement.ErrEntryNotFound
	}
	return copyEntry(entry), nil
}

// UpsertGrant implements entitlement.LedgerStore
func (s *Storage) UpsertGrant(_ context.Context, entry *entitlement.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyEntry(entry)
	stored.Status = entitlement.StatusActive
	s.ledger[ledgerKey(entry.UserID, entry.PlanID)] = stored
	return nil
}

// ApplyRevoke implements entitlement.LedgerStore
func (s *Storage) ApplyRevoke(_ context.Context, req *entitlement.RevokeRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[ledgerKey(req.UserID, req.PlanID)]
	if !ok || !entitlement.ContainsStatus(req.From, entry.Status) {
		return false, nil
	}

	entry.Status = req.To
	if req.End != nil && !req.End.Before(entry.Start) {
		end := *req.End
		entry.End = &end
	}
	entry.UpdatedAt = req.UpdatedAt
	return true, nil
}

// PromoteLatestListing implements entitlement.ListingStore
func (s *Storage) PromoteLatestListing(_ context.Context, ownerID string,
	from, to entitlement.ListingStatus, now time.Time) (*entitlement.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *entitlement.Listing
	for _, l := range s.listings {
		if l.OwnerID != ownerID || l.Status != from {
			continue
		}
		if latest == nil || l.CreatedAt.After(latest.CreatedAt) ||
			(l.CreatedAt.Equal(latest.CreatedAt) && l.ID > latest.ID) {
			latest = l
		}
	}
	if latest == nil {
		return nil, nil
	}

	latest.Status = to
	latest.UpdatedAt = now
	listingCopy := *latest
	return &listingCopy, nil
}

// SetListingsStatus implements entitlement.ListingStore
func (s *Storage) SetListingsStatus(_ context.Context, ownerID string,
	from, to entitlement.ListingStatus, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, l := range s.listings {
		if l.OwnerID == ownerID && l.Status == from {
			l.Status = to
			l.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// CreateListing stores a listing. An empty ID is replaced with a new UUID and
// zero timestamps with the current time. Returns the stored listing.
func (s *Storage) CreateListing(_ context.Context, listing *entitlement.Listing) (*entitlement.Listing, error) {
	stored := *listing
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[stored.ID] = &stored

	out := stored
	return &out, nil
}

// GetListing returns a listing by ID, or nil if it does not exist
func (s *Storage) GetListing(_ context.Context, id string) (*entitlement.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, nil
	}
	out := *l
	return &out, nil
}

// ListingsByOwner returns the owner's listings, newest first
func (s *Storage) ListingsByOwner(_ context.Context, ownerID string) ([]*entitlement.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.Listing
	for _, l := range s.listings {
		if l.OwnerID == ownerID {
			c := *l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = make(map[string]*entitlement.LedgerEntry)
	s.listings = make(map[string]*entitlement.Listing)
}

func ledgerKey(userID, planID string) string {
	return userID + "\x00" + planID
}

func copyEntry(e *entitlement.LedgerEntry) *entitlement.LedgerEntry {
	c := *e
	if e.End != nil {
		end := *e.End
		c.End = &end
	}
	return &c
}
