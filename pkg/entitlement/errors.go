package entitlement

import "errors"

var (
	// ErrEntryNotFound is returned when no ledger entry exists for (user, plan)
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidEntry is returned when a ledger entry violates its invariants
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInvalidTransition is returned for transitions the reconciler cannot apply
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrLedgerWrite wraps storage failures on the ledger write path
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrProjection wraps storage failures on the listing projection path
	ErrProjection = errors.New("listing projection failed")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
