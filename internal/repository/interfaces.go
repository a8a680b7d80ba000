package repository

import (
	"context"
	"time"

	"entitlements-api/internal/model"
)

// Store unifies the three keyspaces of the entitlement engine: the ledger of
// records per identity, the transaction-reuse index, and the idempotency
// cache for retried validation requests. This abstraction allows swapping
// between the in-memory store (single instance, optional disk snapshot) and
// the SQL/Redis backends without changing business logic.
type Store interface {
	// GetRecord returns the record for an identity, or nil if none exists.
	GetRecord(ctx context.Context, identity string) (*model.EntitlementRecord, error)

	// UpsertRecord merges the patch onto the existing record (creating it if
	// absent), stamps UpdatedAt, and returns the resulting record.
	UpsertRecord(ctx context.Context, identity string, patch model.RecordPatch) (*model.EntitlementRecord, error)

	// ClaimTransaction assigns ownership of a transaction reference to an
	// identity. The check-then-set is a single atomic step per reference:
	// the first writer wins and the entry is never updated afterwards.
	// Returns the resulting ownership entry and whether this call created it.
	ClaimTransaction(ctx context.Context, ref, identity string, ttl time.Duration) (*model.TransactionSeen, bool, error)

	// GetTransactionSeen returns the ownership entry for a reference, or nil
	// if it was never seen or its replay window has expired.
	GetTransactionSeen(ctx context.Context, ref string) (*model.TransactionSeen, error)

	// GetIdempotent returns a previously stored terminal response.
	// Returns ErrNotFound if the key is unknown or expired.
	GetIdempotent(ctx context.Context, key string) ([]byte, error)

	// PutIdempotent stores a terminal response for replay on retries.
	PutIdempotent(ctx context.Context, key string, response []byte, ttl time.Duration) error

	// IncrVelocity records one risk-scoring invocation for an install id and
	// returns the total count within the sliding window, current one included.
	IncrVelocity(ctx context.Context, installID string, window time.Duration) (int, error)

	// Close releases the backend connection.
	Close() error
}

// Pruner is implemented by backends that need periodic removal of expired
// rows (the SQL backends; Redis and memory expire entries on their own).
type Pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// StoreError is a sentinel error type for store lookups.
type StoreError string

func (e StoreError) Error() string { return string(e) }

const (
	// ErrNotFound indicates the key was not found or has expired.
	ErrNotFound StoreError = "not found"
)
