// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// Grants are a single INSERT ... ON CONFLICT DO UPDATE and revokes a single predicate
// UPDATE, so concurrent deliveries for the same (user, plan) need no explicit locking.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

// Storage implements entitlement.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies pending schema migrations in New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
	}

	if config.AutoMigrate {
		if err := s.MigrateUp(); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetEntry implements entitlement.LedgerStore
func (s *Storage) GetEntry(ctx context.Context, userID, planID string) (*entitlement.LedgerEntry, error) {
	var (
		entry  entitlement.LedgerEntry
		status string
	)

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, plan_id, status, start_at, end_at,
		        customer_ref, product_ref, entitlement_ref, updated_at
			FROM entitlement_ledger WHERE user_id = $1 AND plan_id = $2`,
		userID, planID).Scan(
		&entry.UserID, &entry.PlanID, &status, &entry.Start, &entry.End,
		&entry.CustomerRef, &entry.ProductRef, &entry.EntitlementRef, &entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	entry.Status = entitlement.Status(status)
	entry.Start = entry.Start.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	if entry.End != nil {
		end := entry.End.UTC()
		entry.End = &end
	}
	return &entry, nil
}

// UpsertGrant implements entitlement.LedgerStore
func (s *Storage) UpsertGrant(ctx context.Context, entry *entitlement.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlement_ledger (
			user_id, plan_id, status, start_at, end_at,
			customer_ref, product_ref, entitlement_ref, updated_at
		) VALUES ($1, $2, 'active', $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, plan_id) DO UPDATE SET
			status = 'active',
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			customer_ref = EXCLUDED.customer_ref,
			product_ref = EXCLUDED.product_ref,
			entitlement_ref = EXCLUDED.entitlement_ref,
			updated_at = EXCLUDED.updated_at`,
		entry.UserID, entry.PlanID, entry.Start.UTC(), entry.End,
		entry.CustomerRef, entry.ProductRef, entry.EntitlementRef, entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return nil
}

// ApplyRevoke implements entitlement.LedgerStore
func (s *Storage) ApplyRevoke(ctx context.Context, req *entitlement.RevokeRequest) (bool, error) {
	if len(req.From) == 0 {
		return false, nil
	}

	from := make([]string, len(req.From))
	for i, st := range req.From {
		from[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlement_ledger SET
			status = $1,
			end_at = CASE
				WHEN $2::timestamptz IS NOT NULL AND $2::timestamptz >= start_at THEN $2::timestamptz
				ELSE end_at
			END,
			updated_at = $3
		WHERE user_id = $4 AND plan_id = $5 AND status = ANY($6)`,
		string(req.To), req.End, req.UpdatedAt.UTC(), req.UserID, req.PlanID, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply revoke: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PromoteLatestListing implements entitlement.ListingStore.
// The subquery locks the candidate row; a concurrent caller re-checks the
// status after the first commits and updates nothing.
func (s *Storage) PromoteLatestListing(ctx context.Context, ownerID string,
	from, to entitlement.ListingStatus, now time.Time) (*entitlement.Listing, error) {
	listing, err := scanListing(s.pool.QueryRow(ctx,
		`UPDATE listings SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM listings
			WHERE owner_id = $3 AND status = $4
			ORDER BY created_at DESC, id DESC
			LIMIT 1
			FOR UPDATE
		) AND status = $4
		RETURNING id, owner_id, status, created_at, updated_at`,
		string(to), now.UTC(), ownerID, string(from)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to promote listing: %w", err)
	}
	return listing, nil
}

// SetListingsStatus implements entitlement.ListingStore
func (s *Storage) SetListingsStatus(ctx context.Context, ownerID string,
	from, to entitlement.ListingStatus, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET status = $1, updated_at = $2 WHERE owner_id = $3 AND status = $4`,
		string(to), now.UTC(), ownerID, string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to update listings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateListing inserts a listing. An empty ID is replaced with a new UUID and
// zero timestamps with the current time.
func (s *Storage) CreateListing(ctx context.Context, listing *entitlement.Listing) (*entitlement.Listing, error) {
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

	out, err := scanListing(s.pool.QueryRow(ctx,
		`INSERT INTO listings (id, owner_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, owner_id, status, created_at, updated_at`,
		stored.ID, stored.OwnerID, string(stored.Status), stored.CreatedAt.UTC(), stored.UpdatedAt.UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	return out, nil
}

// GetListing returns the listing with the given ID, or nil if there is none
func (s *Storage) GetListing(ctx context.Context, id string) (*entitlement.Listing, error) {
	listing, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT id, owner_id, status, created_at, updated_at FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return listing, nil
}

func scanListing(row pgx.Row) (*entitlement.Listing, error) {
	var (
		l      entitlement.Listing
		status string
	)
	if err := row.Scan(&l.ID, &l.OwnerID, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Status = entitlement.ListingStatus(status)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}
