// Package sqlite provides a SQLite implementation of the entitlement.Storage interface.
// It uses the pure-Go modernc.org/sqlite driver, so no cgo toolchain is required.
// Every write is a single statement, which SQLite executes atomically.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
)

const privateDirPerm = 0o700

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file. The parent directory is created if missing.
	Path string

	// BusyTimeout is how long a writer waits on a locked database (default: 30s)
	BusyTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:        "listingsync.db",
		BusyTimeout: 30 * time.Second,
	}
}

// Storage implements entitlement.Storage on SQLite
type Storage struct {
	db *sql.DB
}

// New opens (or creates) the database at config.Path and ensures the schema exists
func New(ctx context.Context, config Config) (*Storage, error) {
	path := strings.TrimSpace(config.Path)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, privateDirPerm); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	busy := config.BusyTimeout
	if busy <= 0 {
		busy = DefaultConfig().BusyTimeout
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection serializes writers; the predicate updates rely on it
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Storage{db: db}
	if err := s.initSchema(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close sqlite db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlement_ledger (
		user_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'cancelled', 'expired')),
		start_at INTEGER NOT NULL,
		end_at INTEGER,
		customer_ref TEXT NOT NULL DEFAULT '',
		product_ref TEXT NOT NULL DEFAULT '',
		entitlement_ref TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, plan_id),
		CHECK (end_at IS NULL OR end_at >= start_at)
	);
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_listings_owner_status_created
		ON listings(owner_id, status, created_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// GetEntry implements entitlement.LedgerStore
func (s *Storage) GetEntry(ctx context.Context, userID, planID string) (*entitlement.LedgerEntry, error) {
	query := `
		SELECT user_id, plan_id, status, start_at, end_at,
		       customer_ref, product_ref, entitlement_ref, updated_at
		FROM entitlement_ledger
		WHERE user_id = ? AND plan_id = ?
	`

	var (
		entry              entitlement.LedgerEntry
		status             string
		startAt, updatedAt int64
		endAt              sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, userID, planID).Scan(
		&entry.UserID, &entry.PlanID, &status, &startAt, &endAt,
		&entry.CustomerRef, &entry.ProductRef, &entry.EntitlementRef, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	entry.Status = entitlement.Status(status)
	entry.Start = fromMillis(startAt)
	entry.UpdatedAt = fromMillis(updatedAt)
	if endAt.Valid {
		end := fromMillis(endAt.Int64)
		entry.End = &end
	}
	return &entry, nil
}

// UpsertGrant implements entitlement.LedgerStore
func (s *Storage) UpsertGrant(ctx context.Context, entry *entitlement.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO entitlement_ledger (
			user_id, plan_id, status, start_at, end_at,
			customer_ref, product_ref, entitlement_ref, updated_at
		) VALUES (?, ?, 'active', ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, plan_id) DO UPDATE SET
			status = 'active',
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			customer_ref = excluded.customer_ref,
			product_ref = excluded.product_ref,
			entitlement_ref = excluded.entitlement_ref,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.UserID, entry.PlanID, toMillis(entry.Start), nullMillis(entry.End),
		entry.CustomerRef, entry.ProductRef, entry.EntitlementRef, toMillis(entry.UpdatedAt),
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

	args := []any{string(req.To), nullMillis(req.End), toMillis(req.UpdatedAt), req.UserID, req.PlanID}
	in := make([]string, 0, len(req.From))
	for _, st := range req.From {
		args = append(args, string(st))
		in = append(in, fmt.Sprintf("?%d", len(args)))
	}

	query := `
		UPDATE entitlement_ledger SET
			status = ?1,
			end_at = CASE WHEN ?2 IS NOT NULL AND ?2 >= start_at THEN ?2 ELSE end_at END,
			updated_at = ?3
		WHERE user_id = ?4 AND plan_id = ?5 AND status IN (` + strings.Join(in, ", ") + `)
	`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply revoke: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read revoke result: %w", err)
	}
	return n > 0, nil
}

// PromoteLatestListing implements entitlement.ListingStore
func (s *Storage) PromoteLatestListing(ctx context.Context, ownerID string,
	from, to entitlement.ListingStatus, now time.Time) (*entitlement.Listing, error) {
	query := `
		UPDATE listings SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM listings
			WHERE owner_id = ? AND status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) AND status = ?
		RETURNING id, owner_id, status, created_at, updated_at
	`
	listing, err := scanListing(s.db.QueryRowContext(ctx, query,
		string(to), toMillis(now), ownerID, string(from), string(from)))
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET status = ?, updated_at = ? WHERE owner_id = ? AND status = ?`,
		string(to), toMillis(now), ownerID, string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to update listings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read listings update result: %w", err)
	}
	return int(n), nil
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listings (id, owner_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		stored.ID, stored.OwnerID, string(stored.Status), toMillis(stored.CreatedAt), toMillis(stored.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	stored.CreatedAt = fromMillis(toMillis(stored.CreatedAt))
	stored.UpdatedAt = fromMillis(toMillis(stored.UpdatedAt))
	return &stored, nil
}

// GetListing returns the listing with the given ID, or nil if there is none
func (s *Storage) GetListing(ctx context.Context, id string) (*entitlement.Listing, error) {
	listing, err := scanListing(s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, status, created_at, updated_at FROM listings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return listing, nil
}

func scanListing(row *sql.Row) (*entitlement.Listing, error) {
	var (
		l                    entitlement.Listing
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&l.ID, &l.OwnerID, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Status = entitlement.ListingStatus(status)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
